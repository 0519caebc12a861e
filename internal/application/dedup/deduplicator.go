// Package dedup removes findings that are already stored or that another
// engine reported for the same underlying issue.
package dedup

import (
	"context"
	"fmt"
	"strings"

	"github.com/bryanwahyu/scanhive/internal/domain/ai"
	"github.com/bryanwahyu/scanhive/internal/domain/engines"
	"github.com/bryanwahyu/scanhive/internal/domain/findings"
)

// DefaultThreshold is the similarity above which two descriptions from
// different engines are the same issue.
const DefaultThreshold = 0.82

// maxTextRunes caps the text sent to the embedder.
const maxTextRunes = 500

// Deduplicator runs the three dedup passes. The zero value is not usable;
// Embedder must be set.
type Deduplicator struct {
	Embedder  ai.Embedder
	Threshold float64
}

// New returns a Deduplicator; threshold <= 0 means DefaultThreshold.
func New(e ai.Embedder, threshold float64) *Deduplicator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Deduplicator{Embedder: e, Threshold: threshold}
}

// Result of a Deduplicate call, kept in input order.
type Result struct {
	Kept    []findings.Finding
	Dropped int
}

// Deduplicate returns the findings of fresh that should be persisted.
func (d *Deduplicator) Deduplicate(ctx context.Context, fresh []findings.Finding, existing findings.ByEngine) ([]findings.Finding, error) {
	res, err := d.Run(ctx, fresh, existing)
	if err != nil {
		return nil, err
	}
	return res.Kept, nil
}

// Run is Deduplicate with the number of dropped findings.
func (d *Deduplicator) Run(ctx context.Context, fresh []findings.Finding, existing findings.ByEngine) (Result, error) {
	kept := exactPass(fresh, existing)
	if len(kept) <= 1 || singleEngine(kept, existing) {
		return Result{Kept: kept, Dropped: len(fresh) - len(kept)}, nil
	}

	kept, err := d.existingPass(ctx, kept, existing)
	if err != nil {
		return Result{}, err
	}
	kept, err = d.batchPass(ctx, kept)
	if err != nil {
		return Result{}, err
	}
	return Result{Kept: kept, Dropped: len(fresh) - len(kept)}, nil
}

// exactPass drops (engine, scan_id) pairs already stored or repeated in the batch.
func exactPass(fresh []findings.Finding, existing findings.ByEngine) []findings.Finding {
	type key struct {
		engine engines.Name
		scanID string
	}
	seen := make(map[key]struct{}, len(fresh))
	out := make([]findings.Finding, 0, len(fresh))
	for _, f := range fresh {
		k := key{f.Engine, f.ScanID}
		if existing.Has(f.Engine, f.ScanID) {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, f)
	}
	return out
}

// singleEngine reports whether every finding involved, new and stored, comes
// from one engine, in which case no semantic comparison is meaningful.
func singleEngine(batch []findings.Finding, existing findings.ByEngine) bool {
	eng := batch[0].Engine
	for _, f := range batch[1:] {
		if f.Engine != eng {
			return false
		}
	}
	for e, m := range existing {
		if e != eng && len(m) > 0 {
			return false
		}
	}
	return true
}

// existingPass drops new findings that match a stored finding of another engine.
func (d *Deduplicator) existingPass(ctx context.Context, batch []findings.Finding, existing findings.ByEngine) ([]findings.Finding, error) {
	var stored []findings.Finding
	for _, m := range existing {
		for _, f := range m {
			stored = append(stored, f)
		}
	}
	if len(stored) == 0 {
		return batch, nil
	}

	texts := make([]string, 0, len(batch)+len(stored))
	for _, f := range batch {
		texts = append(texts, Normalize(f.Description))
	}
	for _, f := range stored {
		texts = append(texts, Normalize(f.Description))
	}
	vecs, err := d.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	newVecs, storedVecs := vecs[:len(batch)], vecs[len(batch):]

	out := batch[:0:0]
	for i, f := range batch {
		dup := false
		for j, s := range stored {
			if s.Engine == f.Engine {
				continue
			}
			if d.similar(newVecs[i], storedVecs[j]) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, f)
		}
	}
	return out, nil
}

// batchPass clusters cross-engine matches inside the batch and keeps the
// representative's engine per cluster.
func (d *Deduplicator) batchPass(ctx context.Context, batch []findings.Finding) ([]findings.Finding, error) {
	if len(batch) <= 1 {
		return batch, nil
	}
	texts := make([]string, len(batch))
	for i, f := range batch {
		texts[i] = Normalize(f.Description)
	}
	vecs, err := d.embed(ctx, texts)
	if err != nil {
		return nil, err
	}

	uf := newUnionFind(len(batch))
	for i := range batch {
		for j := i + 1; j < len(batch); j++ {
			if batch[i].Engine == batch[j].Engine {
				continue
			}
			if d.similar(vecs[i], vecs[j]) {
				uf.union(i, j)
			}
		}
	}

	best := map[int]int{} // root -> index of representative
	for i := range batch {
		r := uf.find(i)
		cur, ok := best[r]
		if !ok || better(batch[i], batch[cur]) {
			best[r] = i
		}
	}
	// only other engines' members are merged away; siblings of the
	// representative's engine are distinct findings and all stay
	out := make([]findings.Finding, 0, len(batch))
	for i, f := range batch {
		if f.Engine == batch[best[uf.find(i)]].Engine {
			out = append(out, f)
		}
	}
	return out, nil
}

// better reports whether a beats b as cluster representative. Equal
// candidates keep the earlier one in input order.
func better(a, b findings.Finding) bool {
	if a.Severity != b.Severity {
		return a.Severity > b.Severity
	}
	return a.DetectedAt.Before(b.DetectedAt)
}

func (d *Deduplicator) similar(a, b []float32) bool {
	return Similarity(a, b) > d.threshold()
}

func (d *Deduplicator) threshold() float64 {
	if d.Threshold <= 0 {
		return DefaultThreshold
	}
	return d.Threshold
}

func (d *Deduplicator) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := d.Embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed descriptions: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("embed descriptions: %w", ai.ErrEmptyEmbedding)
	}
	return vecs, nil
}

// Similarity is the cosine similarity clamped to [0, 1].
func Similarity(a, b []float32) float64 {
	s := Cosine(a, b)
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

var whitespace = strings.NewReplacer("\r", " ", "\n", " ", "\t", " ")

// Normalize prepares a description for embedding.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(whitespace.Replace(s)))
	if r := []rune(s); len(r) > maxTextRunes {
		s = string(r[:maxTextRunes])
	}
	return s
}

type unionFind struct{ parent []int }

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[rb] = ra
	}
}
