package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/browserstep/pkg/engine/enginetest"
	"github.com/entrhq/browserstep/pkg/ipc"
	"github.com/entrhq/browserstep/pkg/types"
	"github.com/entrhq/browserstep/pkg/worker"
)

// stubWorker records calls and returns canned replies.
type stubWorker struct {
	mu    sync.Mutex
	calls []string

	ready     bool
	launchErr error
	resp      *types.ExecResponse
	execErr   error
	checkErr  error

	// state of the check context when Check was called
	checkCtxErr      error
	checkHasDeadline bool
	checked          bool
}

func (s *stubWorker) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *stubWorker) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *stubWorker) Launch(ctx context.Context, id types.ExecutionID, opts types.GlobalOptions) (bool, error) {
	s.record("launch " + string(id))
	return s.ready, s.launchErr
}

func (s *stubWorker) Exec(ctx context.Context, id types.ExecutionID, params types.NodeParameters, continueOnFail bool) (*types.ExecResponse, error) {
	s.record("exec " + string(id))
	return s.resp, s.execErr
}

func (s *stubWorker) Check(ctx context.Context, id types.ExecutionID, creds types.Credentials) error {
	s.record("check " + string(id))
	s.mu.Lock()
	s.checked = true
	s.checkCtxErr = ctx.Err()
	_, s.checkHasDeadline = ctx.Deadline()
	s.mu.Unlock()
	return s.checkErr
}

func request(continueOnFail bool) Request {
	return Request{
		ExecutionID:    "exec-1",
		ItemIndex:      3,
		Params:         types.NodeParameters{URL: "https://example.com"},
		ContinueOnFail: continueOnFail,
		Credentials:    types.Credentials{APIKey: "key", BaseURL: "https://api.example.com"},
	}
}

func TestExecuteSuccess(t *testing.T) {
	w := &stubWorker{ready: true, resp: &types.ExecResponse{Result: &types.Result{
		JSON: map[string]interface{}{"text": "hello"},
	}}}

	items, err := New(w, nil, Options{}).Execute(context.Background(), request(false))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "hello", items[0].JSON["text"])
	assert.Equal(t, 3, items[0].PairedItem.Item)
	assert.Nil(t, items[0].Binary)
	assert.Equal(t, []string{"launch exec-1", "exec exec-1", "check exec-1"}, w.Calls())
}

func TestExecuteContinueOnFail(t *testing.T) {
	tests := []struct {
		name    string
		resp    *types.ExecResponse
		execErr error
	}{
		{
			name: "error record from worker",
			resp: &types.ExecResponse{ErrorRecord: &types.ErrorRecord{Error: "no element matches selector", URL: "https://example.com", StatusCode: 200}},
		},
		{
			name:    "rejected execution error",
			execErr: &types.AutomationError{Kind: types.KindInteraction, Message: "no element matches selector", URL: "https://example.com", StatusCode: 200},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &stubWorker{ready: true, resp: tt.resp, execErr: tt.execErr}

			items, err := New(w, nil, Options{}).Execute(context.Background(), request(true))
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, 3, items[0].PairedItem.Item)
			assert.Contains(t, items[0].JSON["error"], "no element matches selector")
			assert.Equal(t, "https://example.com", items[0].JSON["url"])
			assert.Equal(t, 200, items[0].JSON["statusCode"])
			assert.NotEmpty(t, items[0].Error)
			assert.Contains(t, w.Calls(), "check exec-1")
		})
	}
}

func TestExecuteFailurePropagates(t *testing.T) {
	transportErr := &ipc.TransportError{Op: "receive", Err: errors.New("broken pipe")}
	tests := []struct {
		name           string
		w              *stubWorker
		continueOnFail bool
		wantKind       types.Kind
		wantTransport  bool
		wantExec       bool
	}{
		{
			name:     "execution error without continue",
			w:        &stubWorker{ready: true, execErr: types.NewError(types.KindNavigation, "net::ERR_NAME_NOT_RESOLVED")},
			wantKind: types.KindNavigation,
			wantExec: true,
		},
		{
			name:           "transport error with continue",
			w:              &stubWorker{ready: true, execErr: transportErr},
			continueOnFail: true,
			wantTransport:  true,
			wantExec:       true,
		},
		{
			name:           "session error with continue",
			w:              &stubWorker{ready: true, execErr: types.NewError(types.KindNoSession, "no session")},
			continueOnFail: true,
			wantKind:       types.KindNoSession,
			wantExec:       true,
		},
		{
			name:           "startup error",
			w:              &stubWorker{launchErr: types.NewError(types.KindStartup, "chromium missing")},
			continueOnFail: true,
			wantKind:       types.KindStartup,
		},
		{
			name:           "launch transport error",
			w:              &stubWorker{launchErr: transportErr},
			continueOnFail: true,
			wantTransport:  true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := New(tt.w, nil, Options{}).Execute(context.Background(), request(tt.continueOnFail))
			require.Error(t, err)
			assert.Empty(t, items)
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, types.KindOf(err))
			}
			assert.Equal(t, tt.wantTransport, ipc.IsTransport(err))

			calls := tt.w.Calls()
			assert.Equal(t, tt.wantExec, len(calls) == 3)
			assert.Equal(t, "check exec-1", calls[len(calls)-1], "check runs after every step")
		})
	}
}

func TestExecuteNotReadySkipsExec(t *testing.T) {
	w := &stubWorker{ready: false}

	items, err := New(w, nil, Options{}).Execute(context.Background(), request(false))
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, []string{"launch exec-1", "check exec-1"}, w.Calls())
}

func TestCheckFailureIsIgnored(t *testing.T) {
	w := &stubWorker{ready: true, checkErr: errors.New("worker gone"), resp: &types.ExecResponse{Result: &types.Result{
		JSON: map[string]interface{}{"text": "hello"},
	}}}

	items, err := New(w, nil, Options{}).Execute(context.Background(), request(false))
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestCheckSurvivesCallerCancellation(t *testing.T) {
	w := &stubWorker{ready: true, execErr: context.Canceled}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(w, nil, Options{CheckTimeout: time.Second}).Execute(ctx, request(false))
	require.ErrorIs(t, err, context.Canceled)

	w.mu.Lock()
	defer w.mu.Unlock()
	require.True(t, w.checked)
	assert.NoError(t, w.checkCtxErr, "check context is detached from the caller")
	assert.True(t, w.checkHasDeadline)
}

func TestBinaryConversionDropsUnrecognizedEntries(t *testing.T) {
	pdf := enginetest.MinimalPDF(1)
	w := &stubWorker{ready: true, resp: &types.ExecResponse{Result: &types.Result{
		JSON: map[string]interface{}{"binaryProperty": "data"},
		Binary: map[string]types.BinaryEntry{
			"data":  {Data: pdf, Type: "pdf"},
			"shot":  {Data: enginetest.PNG, Type: "png"},
			"weird": {Data: []byte("II*\x00"), Type: "tiff"},
			"empty": {Type: "png"},
		},
	}}}

	items, err := New(w, nil, Options{}).Execute(context.Background(), request(false))
	require.NoError(t, err)
	require.Len(t, items, 1)

	binary := items[0].Binary
	require.Len(t, binary, 2)
	assert.NotContains(t, binary, "weird")
	assert.NotContains(t, binary, "empty")

	assert.Equal(t, "application/pdf", binary["data"].MimeType)
	assert.Equal(t, "data.pdf", binary["data"].FileName)
	decoded, err := base64.StdEncoding.DecodeString(binary["data"].Data)
	require.NoError(t, err)
	assert.Equal(t, pdf, decoded)

	assert.Equal(t, "image/png", binary["shot"].MimeType)
	assert.Equal(t, "png", binary["shot"].FileExtension)
	assert.NotEmpty(t, binary["shot"].FileSize)
}

func TestBinaryPreparerFailureDropsEntry(t *testing.T) {
	prep := BinaryPreparerFunc(func(ctx context.Context, name string, data []byte, mimeType string) (types.BinaryData, error) {
		if name == "bad" {
			return types.BinaryData{}, errors.New("storage unavailable")
		}
		return InlinePreparer{}.Prepare(ctx, name, data, mimeType)
	})
	w := &stubWorker{ready: true, resp: &types.ExecResponse{Result: &types.Result{
		JSON: map[string]interface{}{},
		Binary: map[string]types.BinaryEntry{
			"good": {Data: enginetest.PNG, Type: "jpeg"},
			"bad":  {Data: enginetest.PNG, Type: "png"},
		},
	}}}

	items, err := New(w, prep, Options{}).Execute(context.Background(), request(false))
	require.NoError(t, err)
	require.Contains(t, items[0].Binary, "good")
	assert.NotContains(t, items[0].Binary, "bad")
	assert.Equal(t, "good.jpg", items[0].Binary["good"].FileName)
}

func TestMimeType(t *testing.T) {
	tests := []struct {
		kind    string
		want    string
		wantErr bool
	}{
		{"pdf", "application/pdf", false},
		{"png", "image/png", false},
		{"jpeg", "image/jpeg", false},
		{"jpg", "image/jpg", false},
		{"webp", "image/webp", false},
		{"gif", "image/gif", false},
		{"tiff", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := MimeType(tt.kind)
		if tt.wantErr {
			assert.Error(t, err, tt.kind)
			continue
		}
		require.NoError(t, err, tt.kind)
		assert.Equal(t, tt.want, got)
	}
}

func TestExecuteAgainstWorker(t *testing.T) {
	eng := enginetest.New(map[string]enginetest.Document{
		"https://example.com": {HTML: "<html><body><p>Hello</p></body></html>"},
	})
	w := worker.New(eng, nil, worker.Options{})
	defer w.Shutdown(context.Background())
	o := New(w, nil, Options{})
	ctx := context.Background()

	items, err := o.Execute(ctx, Request{
		ExecutionID: "exec-1",
		Params: types.NodeParameters{
			URL:    "https://example.com",
			Output: types.OutputSpec{Type: types.OutputScreenshot},
		},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "image/png", items[0].Binary["data"].MimeType)
	assert.Empty(t, w.Sessions(), "check released the session")

	items, err = o.Execute(ctx, Request{
		ExecutionID:    "exec-2",
		ItemIndex:      1,
		ContinueOnFail: true,
		Params: types.NodeParameters{
			URL:          "https://example.com",
			Interactions: []types.Interaction{{Type: types.InteractionClick, Selector: "#missing"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].PairedItem.Item)
	assert.Contains(t, items[0].Error, "#missing")
	assert.Equal(t, 0, eng.OpenBrowsers())
}

func TestArtifactWriter(t *testing.T) {
	dir := t.TempDir()
	shot, err := InlinePreparer{}.Prepare(context.Background(), "shot", enginetest.PNG, "image/png")
	require.NoError(t, err)

	summary := &Summary{
		ExecutionID: "exec-1",
		URL:         "https://example.com",
		StartTime:   time.Now(),
		Duration:    time.Second,
		Items: []types.Item{{
			JSON:   map[string]interface{}{"url": "https://example.com", "statusCode": 200},
			Binary: map[string]types.BinaryData{"shot": shot},
		}},
	}

	written, err := NewArtifactWriter(dir).WriteAll(summary)
	require.NoError(t, err)
	assert.Len(t, written, 3)

	data, err := os.ReadFile(filepath.Join(dir, "0-shot.png"))
	require.NoError(t, err)
	assert.Equal(t, enginetest.PNG, data)

	md, err := os.ReadFile(filepath.Join(dir, "summary.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "**Execution:** exec-1")
	assert.Contains(t, string(md), "- statusCode: 200")
	assert.Contains(t, string(md), "image/png")

	assert.FileExists(t, filepath.Join(dir, "items.json"))
}
