// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TransactionIDGenerator hands out the correlation id shared by all records
// of one flush cycle. The id is created lazily and lives until Reset.
type TransactionIDGenerator struct {
	mu      sync.Mutex
	current string
	newID   func() string
}

// NewTransactionIDGenerator creates a generator producing time-ordered ids.
func NewTransactionIDGenerator() *TransactionIDGenerator {
	return &TransactionIDGenerator{newID: newTransactionHash}
}

// Current returns the id of the running cycle, starting one if needed.
func (g *TransactionIDGenerator) Current() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == "" {
		g.current = g.newID()
	}
	return g.current
}

// Reset ends the running cycle; the next Current call starts a new one.
func (g *TransactionIDGenerator) Reset() {
	g.mu.Lock()
	g.current = ""
	g.mu.Unlock()
}

func newTransactionHash() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}
