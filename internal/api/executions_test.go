package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/processing/internal/engine"
	"github.com/seantiz/processing/internal/model"
	"github.com/seantiz/processing/internal/process"
	"github.com/seantiz/processing/internal/processerr"
)

func TestListEnginesAndProcesses(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/engines")
	require.NoError(t, err)
	defer resp.Body.Close()
	var engines []engine.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&engines))
	require.Len(t, engines, 1)
	assert.Equal(t, engine.JobsEngineName, engines[0].Name)

	resp2, err := http.Get(ts.URL + "/v1/processes")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var procs []process.Info
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&procs))
	require.Len(t, procs, 1)
	assert.Equal(t, "copy", procs[0].ID)
}

func TestSearchExecutions(t *testing.T) {
	srv := newTestServer(t)
	srv.execs.add(newTestExecution(model.StatusRunning))
	srv.execs.add(newTestExecution(model.StatusSuccess))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions?tenant=acme&status=running,success&created_after=2024-01-01T00:00:00Z&limit=500")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body searchExecutionsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Total)
	assert.Len(t, body.Executions, 2)
	assert.Equal(t, defaultListLimit, body.Limit, "limit above the maximum falls back to the default")

	f := srv.execs.lastFilter()
	assert.Equal(t, "acme", f.Tenant)
	assert.Equal(t, []model.Status{model.StatusRunning, model.StatusSuccess}, f.Statuses)
	assert.Equal(t, 2024, f.CreatedAfter.Year())
}

func TestSearchExecutionsRejectsBadQuery(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, q := range []string{"status=exploded", "created_before=yesterday"} {
		resp, err := http.Get(ts.URL + "/v1/executions?" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestGetExecution(t *testing.T) {
	srv := newTestServer(t)
	exec := newTestExecution(model.StatusRunning)
	srv.execs.add(exec)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions/" + exec.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.Execution
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Len(t, got.Steps, 2)

	resp2, err := http.Get(ts.URL + "/v1/executions/nonexistent")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestCancelExecution(t *testing.T) {
	srv := newTestServer(t)
	exec := newTestExecution(model.StatusRunning)
	srv.execs.add(exec)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/executions/"+exec.ID+"/cancel", "application/json", strings.NewReader(`{"reason":"no longer needed"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got model.Execution
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, "no longer needed", got.Steps[len(got.Steps)-1].Message)

	// cancelling twice conflicts, and an empty body is accepted
	resp2, err := http.Post(ts.URL+"/v1/executions/"+exec.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)

	resp3, err := http.Post(ts.URL+"/v1/executions/nonexistent/cancel", "application/json", nil)
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestMarkDownloaded(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/outputfiles/downloaded", "application/json",
		strings.NewReader(`{"urls":["file:///cache/a.tif","file:///cache/b.tif"]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body markDownloadedResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Marked)
	assert.Equal(t, []string{"file:///cache/a.tif", "file:///cache/b.tif"}, srv.outputs.marked())

	for _, payload := range []string{`{"urls":[]}`, `{"urls":[""]}`, `not json`} {
		resp, err := http.Post(ts.URL+"/v1/outputfiles/downloaded", "application/json", strings.NewReader(payload))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, payload)
	}
}

func TestMarkDownloadedReportsIncident(t *testing.T) {
	srv := newTestServer(t)
	srv.outputs.err = processerr.New(processerr.PersistOutputFiles, "cannot mark files", errors.New("disk I/O error"))

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/outputfiles/downloaded", "application/json", strings.NewReader(`{"urls":["file:///a"]}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.GreaterOrEqual(t, resp.StatusCode, 500)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "PERSIST_OUTPUT_FILES_ERROR", body["kind"])
	assert.NotEmpty(t, body["incident_id"])
}

func TestStreamStepsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions/nonexistent/steps")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamStepsOfFinishedExecution(t *testing.T) {
	srv := newTestServer(t)
	exec := newTestExecution(model.StatusSuccess)
	srv.execs.add(exec)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions/" + exec.ID + "/steps")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := readSSE(t, resp)
	require.Len(t, events, 3)
	assert.Equal(t, "step", events[0].name)
	assert.Equal(t, "step", events[1].name)
	assert.Equal(t, sseEvent{name: "done", data: "SUCCESS"}, events[2])
}

func TestStepStreamMetrics(t *testing.T) {
	srv := newTestServer(t)
	exec := newTestExecution(model.StatusSuccess)
	srv.execs.add(exec)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	requests := httpRequestsTotal.WithLabelValues(http.MethodGet, "/v1/executions/{id}/steps", "200")
	before := testutil.ToFloat64(requests)

	resp, err := http.Get(ts.URL + "/v1/executions/" + exec.ID + "/steps")
	require.NoError(t, err)
	readSSE(t, resp)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(requests) == before+1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(stepStreamsActive))
}

func TestIsEventStream(t *testing.T) {
	h := http.Header{}
	assert.False(t, isEventStream(h))
	h.Set("Content-Type", "application/json")
	assert.False(t, isEventStream(h))
	h.Set("Content-Type", "text/event-stream")
	assert.True(t, isEventStream(h))
}

func TestStreamStepsReceivesLiveSteps(t *testing.T) {
	srv := newTestServer(t)
	exec := newTestExecution(model.StatusRegistered)
	srv.execs.add(exec)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions/" + exec.ID + "/steps")
	require.NoError(t, err)
	defer resp.Body.Close()

	go func() {
		// the handler subscribes before answering; give the client a moment
		time.Sleep(50 * time.Millisecond)
		srv.execs.appendStep(exec.ID, model.NewStep(model.StatusRunning, "working"))
		srv.execs.appendStep(exec.ID, model.NewStep(model.StatusSuccess, "done"))
	}()

	events := readSSE(t, resp)
	require.Len(t, events, 4)

	var statuses []model.Status
	for _, ev := range events[:3] {
		require.Equal(t, "step", ev.name)
		var st model.Step
		require.NoError(t, json.Unmarshal([]byte(ev.data), &st))
		statuses = append(statuses, st.Status)
	}
	assert.Equal(t, []model.Status{model.StatusRegistered, model.StatusRunning, model.StatusSuccess}, statuses)
	assert.Equal(t, "done", events[3].name)
}

type sseEvent struct {
	name string
	data string
}

// readSSE reads events until the server closes the stream.
func readSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return events
}
