package dedup

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/spaolacci/murmur3"

	"github.com/bryanwahyu/scanhive/internal/domain/ai"
)

// HashDims is the vector width of HashEmbedder.
const HashDims = 1024

// aliases expand scanner shorthand before hashing.
var aliases = map[string][]string{
	"sqli":  {"sql", "injection"},
	"xss":   {"cross", "site", "scripting"},
	"csrf":  {"cross", "site", "request", "forgery"},
	"xsrf":  {"cross", "site", "request", "forgery"},
	"rce":   {"remote", "code", "execution"},
	"lfi":   {"local", "file", "inclusion"},
	"rfi":   {"remote", "file", "inclusion"},
	"ssrf":  {"server", "side", "request", "forgery"},
	"xxe":   {"xml", "external", "entity"},
	"idor":  {"insecure", "direct", "object", "reference"},
	"ssti":  {"server", "side", "template", "injection"},
	"cmdi":  {"command", "injection"},
	"vuln":  nil,
	"vulns": nil,
}

var stopwords = map[string]struct{}{
	"in": {}, "at": {}, "on": {}, "the": {}, "a": {}, "an": {}, "of": {},
	"for": {}, "to": {}, "found": {}, "vulnerability": {}, "vulnerable": {},
	"param": {}, "parameter": {}, "is": {}, "was": {}, "with": {}, "via": {}, "by": {},
}

// Tokens splits text into the normalized token set used for hashing.
func Tokens(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if exp, ok := aliases[f]; ok {
			out = append(out, exp...)
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}

// HashEmbedder is a local, dependency-free embedder: feature hashing of the
// token set into HashDims buckets, L2 normalized. Works offline and gives
// identical vectors for texts with the same tokens.
type HashEmbedder struct{}

func (HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashVector(t)
	}
	return out, nil
}

func hashVector(text string) []float32 {
	v := make([]float32, HashDims)
	seen := map[string]struct{}{}
	for _, tok := range Tokens(text) {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		h := murmur3.Sum32([]byte(tok))
		sign := float32(1)
		if h&0x80000000 != 0 {
			sign = -1
		}
		v[h%HashDims] += sign
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// CachedEmbedder memoizes vectors of a wrapped embedder keyed by a murmur3
// hash of the text. When the cache is full it is reset.
type CachedEmbedder struct {
	Next ai.Embedder
	Max  int

	mu    sync.Mutex
	cache map[[16]byte][]float32
}

func NewCachedEmbedder(next ai.Embedder, max int) *CachedEmbedder {
	if max <= 0 {
		max = 4096
	}
	return &CachedEmbedder{Next: next, Max: max, cache: map[[16]byte][]float32{}}
}

func cacheKey(text string) [16]byte {
	h1, h2 := murmur3.Sum128([]byte(text))
	var k [16]byte
	binary.LittleEndian.PutUint64(k[:8], h1)
	binary.LittleEndian.PutUint64(k[8:], h2)
	return k
}

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	c.mu.Lock()
	for i, t := range texts {
		if v, ok := c.cache[cacheKey(t)]; ok {
			out[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	c.mu.Unlock()

	if len(missTexts) == 0 {
		return out, nil
	}
	vecs, err := c.Next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, ai.ErrEmptyEmbedding
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cache)+len(vecs) > c.Max {
		c.cache = map[[16]byte][]float32{}
	}
	for j, i := range missIdx {
		out[i] = vecs[j]
		c.cache[cacheKey(missTexts[j])] = vecs[j]
	}
	return out, nil
}

// Len is the number of cached vectors.
func (c *CachedEmbedder) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// FallbackEmbedder uses Secondary whenever Primary fails (quota, network).
type FallbackEmbedder struct {
	Primary   ai.Embedder
	Secondary ai.Embedder
	OnError   func(error)
}

func (f FallbackEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.Primary != nil {
		vecs, err := f.Primary.Embed(ctx, texts)
		if err == nil && len(vecs) == len(texts) {
			return vecs, nil
		}
		if err == nil {
			err = ai.ErrEmptyEmbedding
		}
		if f.OnError != nil {
			f.OnError(err)
		}
	}
	return f.Secondary.Embed(ctx, texts)
}

// Cosine similarity of two vectors; 0 when either is zero or lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
