// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrInvariantViolation is the parent of every error raised when a caller
	// tries to change a record in a way its lifecycle forbids.
	ErrInvariantViolation = errors.New("audit record invariant violation")

	// ErrRecordSealed is returned by every mutator once a record has been sealed.
	ErrRecordSealed = fmt.Errorf("%w: record is sealed", ErrInvariantViolation)

	// ErrEntityIDResolved is returned when the subject id is set a second time.
	ErrEntityIDResolved = fmt.Errorf("%w: entity id already resolved", ErrInvariantViolation)

	// ErrNotAuditable signals that an entity type is not audited and no record was built.
	ErrNotAuditable = errors.New("entity is not auditable")

	// ErrNoChanges is returned when an update produced an empty diff.
	ErrNoChanges = errors.New("no audited field changed")

	// ErrMetadataInconsistent marks an auditable type whose descriptor cannot be used.
	ErrMetadataInconsistent = errors.New("inconsistent audit metadata")

	// ErrInvalidPhase is returned when scheduling happens while pending creates are being resolved.
	ErrInvalidPhase = errors.New("operation not allowed in the current flush phase")

	// ErrQueueFull is returned by the queued transport when it cannot accept a record.
	ErrQueueFull = errors.New("audit queue is full")

	// ErrTransportClosed is returned by transports after Close.
	ErrTransportClosed = errors.New("audit transport is closed")

	// ErrNoTransportAttempted is returned by a chain whose members all declined the record.
	ErrNoTransportAttempted = errors.New("no transport accepted the record")
)
