package zap

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanhive/internal/domain/engines"
)

func newFake(t *testing.T, status *atomic.Int32, alerts int) *Client {
	mux := http.NewServeMux()
	mux.HandleFunc("/JSON/core/action/accessUrl/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "k", r.URL.Query().Get("apikey"))
		_, _ = w.Write([]byte(`{"Result":"OK"}`))
	})
	mux.HandleFunc("/JSON/ascan/action/scan/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://app.example.com", r.URL.Query().Get("url"))
		_, _ = w.Write([]byte(`{"scan":"3"}`))
	})
	mux.HandleFunc("/JSON/ascan/view/status/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("scanId") != "3" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":"does_not_exist"}`))
			return
		}
		_, _ = fmt.Fprintf(w, `{"status":"%d"}`, status.Load())
	})
	mux.HandleFunc("/JSON/core/view/alerts/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://app.example.com", r.URL.Query().Get("baseurl"))
		start, _ := strconv.Atoi(r.URL.Query().Get("start"))
		count, _ := strconv.Atoi(r.URL.Query().Get("count"))
		_, _ = w.Write([]byte(`{"alerts":[`))
		for i := start; i < start+count && i < alerts; i++ {
			if i > start {
				_, _ = w.Write([]byte(","))
			}
			_, _ = fmt.Fprintf(w, `{"id":"%d","alert":"Cross Site Scripting (Reflected)","risk":"High","description":"xss","solution":"encode output","url":"https://app.example.com/?q=1","param":"q"}`, i)
		}
		_, _ = w.Write([]byte(`]}`))
	})
	mux.HandleFunc("/JSON/ascan/action/stop/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Result":"OK"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "k", PageSize: 2})
}

func TestLifecycle(t *testing.T) {
	var status atomic.Int32
	status.Store(35)
	c := newFake(t, &status, 3)
	ctx := context.Background()

	job, err := c.Start(ctx, engines.StartRequest{TaskID: "t", TargetURL: "https://app.example.com"})
	require.NoError(t, err)

	res, err := c.Poll(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, engines.PollResult{Progress: 35}, res)

	status.Store(100)
	res, err = c.Poll(ctx, job)
	require.NoError(t, err)
	assert.True(t, res.Done && res.Success)

	list, err := c.FetchFindings(ctx, job)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "high", list[0].Severity)
	assert.Equal(t, "Cross Site Scripting (Reflected)", list[0].VulType)
	assert.Contains(t, list[0].Details, "param: q")

	require.NoError(t, c.Stop(ctx, job))
}

func TestPollUnknownScanIsDone(t *testing.T) {
	var status atomic.Int32
	c := newFake(t, &status, 0)
	res, err := c.Poll(context.Background(), encodeJob("99", "https://app.example.com"))
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.False(t, res.Success)
}

func TestJobEncoding(t *testing.T) {
	id, target, err := decodeJob(encodeJob("7", "https://a.example/x?y=1"))
	require.NoError(t, err)
	assert.Equal(t, "7", id)
	assert.Equal(t, "https://a.example/x?y=1", target)

	_, _, err = decodeJob("garbage")
	assert.ErrorIs(t, err, ErrBadJob)
}

func TestRiskMapping(t *testing.T) {
	assert.Equal(t, "info", riskToSeverity("Informational"))
	assert.Equal(t, "medium", riskToSeverity("Medium"))
	assert.Equal(t, "info", riskToSeverity(""))
}
