package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/bryanwahyu/scanhive/internal/domain/findings"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func finding(engine engines.Name, scanID, desc string, sev findings.Severity, at time.Time) findings.Finding {
	return findings.Finding{
		TaskID:      "task-1",
		Engine:      engine,
		ScanID:      scanID,
		Description: desc,
		Severity:    sev,
		DetectedAt:  at,
	}
}

func newDedup() *Deduplicator { return New(HashEmbedder{}, 0) }

func TestEmptyInput(t *testing.T) {
	out, err := newDedup().Deduplicate(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestExactPass(t *testing.T) {
	existing := findings.Group([]findings.Finding{
		finding(engines.AWVS, "a1", "stored", findings.SeverityLow, t0),
	})
	fresh := []findings.Finding{
		finding(engines.AWVS, "a1", "stored", findings.SeverityLow, t0),
		finding(engines.AWVS, "a2", "first", findings.SeverityLow, t0),
		finding(engines.AWVS, "a2", "second copy", findings.SeverityHigh, t0),
		finding(engines.AWVS, "a3", "other", findings.SeverityLow, t0),
	}

	out, err := newDedup().Deduplicate(context.Background(), fresh, existing)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "first", out[0].Description)
	assert.Equal(t, "a3", out[1].ScanID)
}

func TestIdempotentOnRetriedFetch(t *testing.T) {
	d := newDedup()
	fresh := []findings.Finding{
		finding(engines.AWVS, "a1", "Reflected XSS in search box", findings.SeverityMedium, t0),
		finding(engines.ZAP, "z1", "Missing HSTS header", findings.SeverityLow, t0),
		finding(engines.ZAP, "z2", "Cookie without Secure flag", findings.SeverityLow, t0),
	}

	first, err := d.Deduplicate(context.Background(), fresh, findings.ByEngine{})
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := d.Deduplicate(context.Background(), fresh, findings.Group(fresh))
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestCrossEngineMergeKeepsHighestSeverity(t *testing.T) {
	fresh := []findings.Finding{
		finding(engines.AWVS, "a1", "Blind SQL injection on /api/items id", findings.SeverityHigh, t0),
		finding(engines.ZAP, "z1", "Blind SQL Injection - /api/items (id)", findings.SeverityCritical, t0.Add(time.Minute)),
	}

	out, err := newDedup().Deduplicate(context.Background(), fresh, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, findings.SeverityCritical, out[0].Severity)
	assert.Equal(t, engines.ZAP, out[0].Engine)
}

func TestTieBrokenByEarliestThenInputOrder(t *testing.T) {
	desc := "Open redirect on /logout next"
	fresh := []findings.Finding{
		finding(engines.AWVS, "a1", desc, findings.SeverityMedium, t0.Add(time.Minute)),
		finding(engines.ZAP, "z1", desc, findings.SeverityMedium, t0),
	}
	out, err := newDedup().Deduplicate(context.Background(), fresh, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "z1", out[0].ScanID)

	fresh[1].DetectedAt = fresh[0].DetectedAt
	out, err = newDedup().Deduplicate(context.Background(), fresh, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a1", out[0].ScanID)
}

func TestSameEngineSiblingsAreKept(t *testing.T) {
	fresh := []findings.Finding{
		finding(engines.AWVS, "a1", "SQL injection in /login param id", findings.SeverityHigh, t0),
		finding(engines.AWVS, "a2", "SQL injection in /login param id", findings.SeverityHigh, t0),
	}
	out, err := newDedup().Deduplicate(context.Background(), fresh, nil)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestSameEngineSiblingsNotMergedInMixedBatch(t *testing.T) {
	fresh := []findings.Finding{
		finding(engines.AWVS, "a1", "Directory listing enabled on /backup", findings.SeverityLow, t0),
		finding(engines.AWVS, "a2", "Directory listing enabled on /backup", findings.SeverityLow, t0),
		finding(engines.ZAP, "z1", "Server leaks version via X-Powered-By", findings.SeverityInfo, t0),
	}
	out, err := newDedup().Deduplicate(context.Background(), fresh, nil)
	require.NoError(t, err)
	assert.Len(t, out, 3)
}

func TestSameEngineSiblingsSurviveSharedCrossEngineMatch(t *testing.T) {
	fresh := []findings.Finding{
		finding(engines.AWVS, "a1", "SQL injection in /login param id", findings.SeverityHigh, t0),
		finding(engines.AWVS, "a2", "SQL injection in /login param id", findings.SeverityHigh, t0),
		finding(engines.ZAP, "z1", "SQLi vulnerability found at /login?id=", findings.SeverityMedium, t0),
	}
	out, err := newDedup().Deduplicate(context.Background(), fresh, nil)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a1", out[0].ScanID)
	assert.Equal(t, "a2", out[1].ScanID)
}

func TestSiblingsOfLosingEngineAreMergedAway(t *testing.T) {
	fresh := []findings.Finding{
		finding(engines.AWVS, "a1", "SQL injection in /login param id", findings.SeverityMedium, t0),
		finding(engines.AWVS, "a2", "SQL injection in /login param id", findings.SeverityMedium, t0),
		finding(engines.ZAP, "z1", "SQLi vulnerability found at /login?id=", findings.SeverityCritical, t0),
	}
	out, err := newDedup().Deduplicate(context.Background(), fresh, nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "z1", out[0].ScanID)
}

func TestSQLiWordingFromTwoEngines(t *testing.T) {
	a := "SQL injection in /login param id"
	b := "SQLi vulnerability found at /login?id="
	vecs, _ := HashEmbedder{}.Embed(context.Background(), []string{Normalize(a), Normalize(b)})
	assert.GreaterOrEqual(t, Similarity(vecs[0], vecs[1]), DefaultThreshold)

	fresh := []findings.Finding{
		finding(engines.AWVS, "a1", a, findings.SeverityHigh, t0),
		finding(engines.Passive, "p1", b, findings.SeverityHigh, t0),
	}
	out, err := newDedup().Deduplicate(context.Background(), fresh, nil)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestDropsMatchAgainstStoredOtherEngine(t *testing.T) {
	existing := findings.Group([]findings.Finding{
		finding(engines.AWVS, "a1", "Cross-site scripting in q parameter of /search", findings.SeverityMedium, t0),
	})
	fresh := []findings.Finding{
		finding(engines.ZAP, "z1", "XSS in /search q", findings.SeverityHigh, t0),
		finding(engines.ZAP, "z2", "Clickjacking: missing X-Frame-Options", findings.SeverityLow, t0),
	}
	out, err := newDedup().Deduplicate(context.Background(), fresh, existing)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "z2", out[0].ScanID)
}

func TestStoredSameEngineIsNotCompared(t *testing.T) {
	existing := findings.Group([]findings.Finding{
		finding(engines.ZAP, "z0", "XSS in /search q", findings.SeverityHigh, t0),
		finding(engines.AWVS, "a0", "Weak TLS ciphers", findings.SeverityLow, t0),
	})
	fresh := []findings.Finding{
		finding(engines.ZAP, "z1", "XSS in /search q", findings.SeverityHigh, t0),
		finding(engines.ZAP, "z2", "Clickjacking: missing X-Frame-Options", findings.SeverityLow, t0),
	}
	out, err := newDedup().Deduplicate(context.Background(), fresh, existing)
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

type failingEmbedder struct{ calls int }

func (f *failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	f.calls++
	return nil, errors.New("provider down")
}

func TestSingleEngineNeverEmbeds(t *testing.T) {
	emb := &failingEmbedder{}
	d := New(emb, 0.9)
	fresh := []findings.Finding{
		finding(engines.AWVS, "a1", "x", findings.SeverityLow, t0),
		finding(engines.AWVS, "a2", "y", findings.SeverityLow, t0),
	}
	out, err := d.Deduplicate(context.Background(), fresh, findings.Group(nil))
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Zero(t, emb.calls)
}

func TestEmbedderErrorPropagates(t *testing.T) {
	d := New(&failingEmbedder{}, 0)
	fresh := []findings.Finding{
		finding(engines.AWVS, "a1", "x", findings.SeverityLow, t0),
		finding(engines.ZAP, "z1", "y", findings.SeverityLow, t0),
	}
	_, err := d.Deduplicate(context.Background(), fresh, nil)
	assert.Error(t, err)
}

func TestFallbackAndCache(t *testing.T) {
	var seen error
	fb := FallbackEmbedder{Primary: &failingEmbedder{}, Secondary: HashEmbedder{}, OnError: func(err error) { seen = err }}
	c := NewCachedEmbedder(fb, 10)

	v1, err := c.Embed(context.Background(), []string{"alpha beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, v1, 2)
	assert.Error(t, seen)
	assert.Equal(t, 2, c.Len())

	v2, err := c.Embed(context.Background(), []string{"gamma"})
	require.NoError(t, err)
	assert.Equal(t, v1[1], v2[0])
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "a b  c", Normalize("  A\nb\t\tC "))
	long := make([]rune, 800)
	for i := range long {
		long[i] = 'é'
	}
	assert.Len(t, []rune(Normalize(string(long))), maxTextRunes)
}
