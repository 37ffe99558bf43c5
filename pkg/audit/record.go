// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"maps"
	"slices"
	"time"
)

// RecordData is the plain representation of a record. It is the outbound
// wire message of the HTTP and queued transports and the shape the local
// store persists.
type RecordData struct {
	EntityClass     string         `json:"entity_class"`
	EntityID        string         `json:"entity_id"`
	Action          Action         `json:"action"`
	OldValues       map[string]any `json:"old_values"`
	NewValues       map[string]any `json:"new_values"`
	ChangedFields   []string       `json:"changed_fields"`
	UserID          string         `json:"user_id"`
	Username        string         `json:"username"`
	IPAddress       string         `json:"ip_address"`
	UserAgent       string         `json:"user_agent"`
	TransactionHash string         `json:"transaction_hash"`
	Signature       string         `json:"signature"`
	Context         map[string]any `json:"context"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Record is a single audit entry. Until it is sealed, pre-dispatch listeners
// may adjust it; afterwards every mutator fails with ErrRecordSealed.
//
// Getters return copies, so transports cannot change a sealed record through them.
type Record struct {
	entityClass     string
	entityID        string
	action          Action
	oldValues       map[string]any
	newValues       map[string]any
	changedFields   []string
	userID          string
	username        string
	ipAddress       string
	userAgent       string
	transactionHash string
	signature       string
	context         map[string]any
	createdAt       time.Time
	sealed          bool
}

// NewRecord builds an unsealed record from data. The signature is ignored;
// signing is the integrity service's job.
func NewRecord(data RecordData) *Record {
	r := fromData(data)
	r.signature = ""
	return r
}

// RestoreRecord rebuilds a persisted record exactly as stored, signature
// included, and seals it. It is used to verify stored entries.
func RestoreRecord(data RecordData) *Record {
	r := fromData(data)
	r.sealed = true
	return r
}

func fromData(data RecordData) *Record {
	return &Record{
		entityClass:     data.EntityClass,
		entityID:        data.EntityID,
		action:          data.Action,
		oldValues:       maps.Clone(data.OldValues),
		newValues:       maps.Clone(data.NewValues),
		changedFields:   slices.Clone(data.ChangedFields),
		userID:          data.UserID,
		username:        data.Username,
		ipAddress:       data.IPAddress,
		userAgent:       data.UserAgent,
		transactionHash: data.TransactionHash,
		signature:       data.Signature,
		context:         maps.Clone(data.Context),
		createdAt:       data.CreatedAt,
	}
}

// Data returns a detached copy of the record's fields.
func (r *Record) Data() RecordData {
	return RecordData{
		EntityClass:     r.entityClass,
		EntityID:        r.entityID,
		Action:          r.action,
		OldValues:       maps.Clone(r.oldValues),
		NewValues:       maps.Clone(r.newValues),
		ChangedFields:   slices.Clone(r.changedFields),
		UserID:          r.userID,
		Username:        r.username,
		IPAddress:       r.ipAddress,
		UserAgent:       r.userAgent,
		TransactionHash: r.transactionHash,
		Signature:       r.signature,
		Context:         maps.Clone(r.context),
		CreatedAt:       r.createdAt,
	}
}

func (r *Record) EntityClass() string       { return r.entityClass }
func (r *Record) EntityID() string          { return r.entityID }
func (r *Record) Action() Action            { return r.action }
func (r *Record) OldValues() map[string]any { return maps.Clone(r.oldValues) }
func (r *Record) NewValues() map[string]any { return maps.Clone(r.newValues) }
func (r *Record) ChangedFields() []string   { return slices.Clone(r.changedFields) }
func (r *Record) UserID() string            { return r.userID }
func (r *Record) Username() string          { return r.username }
func (r *Record) IPAddress() string         { return r.ipAddress }
func (r *Record) UserAgent() string         { return r.userAgent }
func (r *Record) TransactionHash() string   { return r.transactionHash }
func (r *Record) Signature() string         { return r.signature }
func (r *Record) Context() map[string]any   { return maps.Clone(r.context) }
func (r *Record) CreatedAt() time.Time      { return r.createdAt }
func (r *Record) IsSealed() bool            { return r.sealed }

// IsPending reports whether the subject id still waits for the store.
func (r *Record) IsPending() bool {
	return r.entityID == PendingEntityID
}

// ResolveEntityID replaces the pending placeholder with the assigned id.
// It may succeed only once per record.
func (r *Record) ResolveEntityID(id string) error {
	if r.sealed {
		return ErrRecordSealed
	}
	if r.entityID != PendingEntityID {
		return ErrEntityIDResolved
	}
	r.entityID = id
	return nil
}

// SetContextValue stores listener-provided metadata on the record.
func (r *Record) SetContextValue(key string, value any) error {
	if r.sealed {
		return ErrRecordSealed
	}
	if r.context == nil {
		r.context = make(map[string]any)
	}
	r.context[key] = value
	return nil
}

// SetNewValue overrides one rendered value of the after snapshot.
func (r *Record) SetNewValue(field string, value any) error {
	if r.sealed {
		return ErrRecordSealed
	}
	if r.newValues == nil {
		r.newValues = make(map[string]any)
	}
	r.newValues[field] = value
	return nil
}

// SetOldValue overrides one rendered value of the before snapshot.
func (r *Record) SetOldValue(field string, value any) error {
	if r.sealed {
		return ErrRecordSealed
	}
	if r.oldValues == nil {
		r.oldValues = make(map[string]any)
	}
	r.oldValues[field] = value
	return nil
}

// SetActor replaces the actor fields.
func (r *Record) SetActor(u *User, info RequestInfo) error {
	if r.sealed {
		return ErrRecordSealed
	}
	r.userID, r.username = "", ""
	if u != nil {
		r.userID, r.username = u.ID, u.Username
	}
	r.ipAddress = info.IPAddress
	r.userAgent = info.UserAgent
	return nil
}

func (r *Record) seal() {
	r.sealed = true
}

func (r *Record) setSignature(sig string) {
	r.signature = sig
}
