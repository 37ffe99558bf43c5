// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	clocktesting "k8s.io/utils/clock/testing"
)

type testGroup struct {
	Tracked `audit:"name=Group"`
	ID      int64        `json:"id" audit:"id"`
	Name    string       `json:"name"`
	Members []*testUser  `json:"members"`
	Owner   *testUser    `json:"owner"`
	Tags    *memberDiffs `json:"tags"`
}

type testUser struct {
	Tracked   `audit:"name=User,ignore=UpdatedAt"`
	ID        int64      `json:"id" audit:"id"`
	Username  string     `json:"username"`
	Password  string     `json:"password" audit:"mask"`
	APIToken  string     `json:"apiToken" audit:"mask=***"`
	Email     string     `json:"email"`
	Group     *testGroup `json:"group"`
	Internal  string     `json:"internal" audit:"-"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type testMembership struct {
	Tracked `audit:"name=Membership"`
	UserID  int64  `json:"userId" audit:"id"`
	GroupID int64  `json:"groupId" audit:"id"`
	Role    string `json:"role"`
}

// testSession is not marked as tracked and must never produce records.
type testSession struct {
	ID    int64 `audit:"id"`
	Token string
}

// brokenEntity is tracked but declares no identifier.
type brokenEntity struct {
	Tracked
	Name string
}

type memberDiffs struct {
	added   []any
	removed []any
}

func (d *memberDiffs) Inserted() []any { return d.added }
func (d *memberDiffs) Removed() []any  { return d.removed }

type fakeTransport struct {
	name     string
	supports func(*Record) bool

	mu       sync.Mutex
	err      error
	records  []*Record
	contexts []SendContext
	closed   bool
}

func newFakeTransport(name string) *fakeTransport {
	return &fakeTransport{name: name}
}

func (f *fakeTransport) Name() string { return f.name }

func (f *fakeTransport) Supports(r *Record) bool {
	if f.supports == nil {
		return true
	}
	return f.supports(r)
}

func (f *fakeTransport) Send(_ context.Context, r *Record, sc SendContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, r)
	f.contexts = append(f.contexts, sc)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTransport) received() []*Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Record, len(f.records))
	copy(out, f.records)
	return out
}

var errBackendDown = errors.New("backend unavailable")

var testTime = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

// harness wires the pipeline with fakes, the way pkg/pipeline wires it for real.
type harness struct {
	metadata   *MetadataCache
	txid       *TransactionIDGenerator
	service    *Service
	scheduler  *ScheduledManager
	integrity  *IntegrityService
	primary    *fakeTransport
	fallback   *fakeTransport
	dispatcher *Dispatcher
	processor  *Processor
	clock      *clocktesting.FakeClock
}

type harnessOptions struct {
	dispatcher DispatcherConfig
	processor  ProcessorConfig
	users      UserResolver
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		metadata: NewMetadataCache(logger),
		txid:     NewTransactionIDGenerator(),
		clock:    clocktesting.NewFakeClock(testTime),
		primary:  newFakeTransport("primary"),
		fallback: newFakeTransport("database"),
	}
	svcOpts := []ServiceOption{WithClock(h.clock)}
	if opts.users != nil {
		svcOpts = append(svcOpts, WithUserResolver(opts.users))
	}
	h.service = NewService(h.metadata, h.txid, logger, svcOpts...)
	h.scheduler = NewScheduledManager(h.service, logger)
	h.integrity = NewIntegrityService(true, "test-secret", logger)
	h.dispatcher = NewDispatcher(h.primary, h.fallback, h.integrity, opts.dispatcher, logger)
	h.processor = NewProcessor(h.service, h.scheduler, h.dispatcher, h.txid, opts.processor, logger)
	return h
}
