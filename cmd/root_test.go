package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/config"
	"github.com/birdmanoutman/liblib-transportation-analysis-sub000/internal/integrity"
)

type fakeApp struct {
	report integrity.Report
	ran    bool
	closed bool
}

func (f *fakeApp) Run(context.Context) error {
	f.ran = true
	return nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeApp) ValidateIntegrity(_ context.Context, runID string) integrity.Report {
	r := f.report
	r.RunID = runID
	return r
}

// withFakeApp swaps the app factory. Tests using it must not run in parallel.
func withFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	prev := newApp
	newApp = func(context.Context, *config.Config) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = prev })
}

func TestValidatePrintsReport(t *testing.T) {
	app := &fakeApp{report: integrity.Report{Valid: true, Errors: []string{}, Warnings: []string{"1 missing items (expected 4, found 3)"}}}
	withFakeApp(t, app)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"validate", "run-42"})
	require.NoError(t, root.Execute())

	var report integrity.Report
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	require.Equal(t, "run-42", report.RunID)
	require.True(t, report.Valid)
	require.Len(t, report.Warnings, 1)
	require.True(t, app.closed)
}

func TestValidateFailOnInvalid(t *testing.T) {
	withFakeApp(t, &fakeApp{report: integrity.Report{Valid: false, Errors: []string{"run run-1 not found"}}})

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"validate", "run-1", "--fail-on-invalid"})
	require.ErrorContains(t, root.Execute(), "failed integrity validation")
}

func TestValidateRequiresRunID(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"validate"})
	require.Error(t, root.Execute())
}

func TestServeRunsApp(t *testing.T) {
	app := &fakeApp{}
	withFakeApp(t, app)

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	require.NoError(t, root.Execute())
	require.True(t, app.ran)
}
