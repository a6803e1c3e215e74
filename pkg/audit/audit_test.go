// SPDX-FileCopyrightText: Copyright 2026 Caldera Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecer struct {
	mu   sync.Mutex
	sql  []string
	args [][]any
	err  error
	done chan struct{}
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	f.sql = append(f.sql, sql)
	f.args = append(f.args, args)
	f.mu.Unlock()
	if f.done != nil {
		close(f.done)
	}
	return pgconn.CommandTag{}, f.err
}

func TestRecordPersistsEvent(t *testing.T) {
	actor := int64(42)
	fake := &fakeExecer{done: make(chan struct{})}
	l := New(fake, nil)

	l.Record(context.Background(), Event{
		Type:         TypeAuth,
		Action:       ActionLogin,
		ResourceType: "user",
		ActorID:      &actor,
		IPAddress:    "203.0.113.9",
		Status:       StatusSuccess,
	})

	select {
	case <-fake.done:
	case <-time.After(time.Second):
		t.Fatal("audit write never happened")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.args, 1)
	assert.Contains(t, fake.sql[0], "INSERT INTO audit_logs")
	assert.Equal(t, ActionLogin, fake.args[0][1])
	assert.Equal(t, StatusSuccess, fake.args[0][9])
}

func TestRecordSurvivesCancelledRequest(t *testing.T) {
	fake := &fakeExecer{done: make(chan struct{})}
	l := New(fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Record(ctx, Event{Type: TypeAuth, Action: ActionLogout, ResourceType: "user", Status: StatusSuccess})

	select {
	case <-fake.done:
	case <-time.After(time.Second):
		t.Fatal("audit write was dropped with the request context")
	}
}

func TestRecordToleratesWriteFailure(t *testing.T) {
	fake := &fakeExecer{done: make(chan struct{}), err: errors.New("db down")}
	l := New(fake, nil)

	// Must not panic or block the caller.
	l.Record(context.Background(), Event{Type: TypeAuth, Action: ActionLogin, ResourceType: "user", Status: StatusFailure})
	<-fake.done
}

func TestRecordWithoutDatabase(t *testing.T) {
	l := New(nil, nil)
	l.Record(context.Background(), Event{Type: TypeAuth, Action: ActionLogin, ResourceType: "user", Status: StatusSuccess})
}
