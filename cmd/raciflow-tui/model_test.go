package main

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/raciflow/pkg/client"
	"github.com/rmax-ai/raciflow/pkg/matrix"
	"github.com/rmax-ai/raciflow/pkg/validation"
)

type fakeDaemon struct {
	stored  *matrix.Matrix
	preview *matrix.Matrix
	vr      validation.Result
	pass    *client.Pass
	err     error

	flushed []bool
	outcome client.FlushOutcome
}

func (f *fakeDaemon) Matrix(ctx context.Context, pending bool) (*matrix.Matrix, error) {
	if f.err != nil {
		return nil, f.err
	}
	if pending {
		return f.preview, nil
	}
	return f.stored, nil
}

func (f *fakeDaemon) Buffer(ctx context.Context) (client.Buffer, error) {
	return client.Buffer{State: "BUFFERING", Pending: []matrix.Change{{Task: "Review", Role: "Legal", Cell: matrix.MustParseCell("C")}}}, nil
}

func (f *fakeDaemon) Validate(ctx context.Context) (validation.Result, error) {
	return f.vr, nil
}

func (f *fakeDaemon) Result(ctx context.Context) (client.Pass, error) {
	if f.pass == nil {
		return client.Pass{}, client.ErrNoPass
	}
	return *f.pass, nil
}

func (f *fakeDaemon) GetEvents(ctx context.Context, opts client.EventsOptions) ([]client.Event, error) {
	return nil, errors.New("event log disabled")
}

func (f *fakeDaemon) Flush(ctx context.Context, force bool) (client.FlushOutcome, error) {
	f.flushed = append(f.flushed, force)
	return f.outcome, nil
}

func newFake() *fakeDaemon {
	stored := matrix.New()
	stored.Set("Review", "Editor", matrix.MustParseCell("RA"))
	preview := stored.Clone()
	preview.Set("Review", "Legal", matrix.MustParseCell("C"))
	return &fakeDaemon{stored: stored, preview: preview, vr: validation.Result{IsValid: true}}
}

func TestFetchData_NoPassYet(t *testing.T) {
	f := newFake()
	msg := fetchData(f)().(dataMsg)

	require.NoError(t, msg.err)
	assert.Nil(t, msg.pass)
	assert.Equal(t, 2, len(msg.preview.AllRoles()))
	assert.Empty(t, msg.events, "a missing event log is not an error")
}

func TestFetchData_Offline(t *testing.T) {
	f := newFake()
	f.err = errors.New("connection refused")

	m := initialModel(f, time.Second)
	updated, _ := m.Update(fetchData(f)())
	view := updated.(model).View()

	assert.Contains(t, view, "Offline: connection refused")
}

func TestModel_ViewShowsMatrixAndPass(t *testing.T) {
	f := newFake()
	f.pass = &client.Pass{Kind: "full", At: time.Now()}
	f.pass.Result.RolesCreated = 1

	m := initialModel(f, time.Second)
	updated, _ := m.Update(fetchData(f)())
	view := updated.(model).View()

	assert.Contains(t, view, "Review")
	assert.Contains(t, view, "Editor")
	assert.Contains(t, view, "Legal")
	assert.Contains(t, view, "Buffer: BUFFERING")
	assert.Contains(t, view, "Matrix valid")
	assert.Contains(t, view, "Last full pass")
	assert.Contains(t, view, "1 pending edit(s)")
}

func TestModel_FlushKeys(t *testing.T) {
	f := newFake()
	f.outcome = client.FlushOutcome{Flushed: true, Applied: 1}
	m := initialModel(f, time.Second)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'F'}})
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, []bool{true}, f.flushed)

	updated, _ := m.Update(msg)
	assert.Contains(t, updated.(model).notice, "flushed 1 edit(s)")
}

func TestModel_FlushRefusedNotice(t *testing.T) {
	m := initialModel(newFake(), time.Second)
	updated, _ := m.Update(flushMsg{outcome: client.FlushOutcome{Flushed: false}})
	assert.Contains(t, updated.(model).notice, "matrix is invalid")
}

func TestRenderMatrix_Empty(t *testing.T) {
	assert.Contains(t, renderMatrix(matrix.New(), nil), "Matrix is empty.")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "Editor", truncate("Editor", 7))
	assert.Equal(t, "Legal …", truncate("Legal Counsel", 7))
}
