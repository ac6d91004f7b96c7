package steps

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/smriti-backend/internal/data/claim"
	graphrepos "github.com/yungbote/smriti-backend/internal/data/repos/graph"
	"github.com/yungbote/smriti-backend/internal/data/repos/testutil"
	types "github.com/yungbote/smriti-backend/internal/domain"
	apperr "github.com/yungbote/smriti-backend/internal/pkg/errors"
	"github.com/yungbote/smriti-backend/internal/platform/logger"
	"github.com/yungbote/smriti-backend/internal/services"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	db          *gorm.DB
	log         *logger.Logger
	clock       *fakeClock
	nodes       graphrepos.NodeRepo
	edges       graphrepos.EdgeRepo
	reflections graphrepos.ReflectionRepo
	errs        graphrepos.ErrorLogRepo
	nodeClaims  *claim.Coordinator
	edgeClaims  *claim.Coordinator
	cipher      *plainCipher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gdb := testutil.DB(t)
	log := testutil.Logger(t)
	clock := &fakeClock{t: time.Now().UTC()}
	opts := claim.Options{TTL: time.Minute, MaxAttempts: 5, Now: clock.Now}
	return &harness{
		db:          gdb,
		log:         log,
		clock:       clock,
		nodes:       graphrepos.NewNodeRepo(gdb, log),
		edges:       graphrepos.NewEdgeRepo(gdb, log),
		reflections: graphrepos.NewReflectionRepo(gdb, log),
		errs:        graphrepos.NewErrorLogRepo(gdb, log),
		nodeClaims:  claim.New(gdb, log, types.Node{}.TableName(), opts),
		edgeClaims:  claim.New(gdb, log, types.Edge{}.TableName(), opts),
		cipher:      &plainCipher{},
	}
}

func (h *harness) embedDeps(e services.Embedder) EmbedNodesDeps {
	return EmbedNodesDeps{DB: h.db, Log: h.log, Claims: h.nodeClaims, Nodes: h.nodes, Errors: h.errs, Embedder: e, Cipher: h.cipher}
}

func (h *harness) inferDeps(c services.Classifier) InferEdgesDeps {
	return InferEdgesDeps{DB: h.db, Log: h.log, Claims: h.nodeClaims, Nodes: h.nodes, Edges: h.edges, Errors: h.errs, Classifier: c, Cipher: h.cipher}
}

func (h *harness) reflectDeps(s services.Synthesizer) SynthesizeReflectionsDeps {
	return SynthesizeReflectionsDeps{DB: h.db, Log: h.log, Claims: h.edgeClaims, Nodes: h.nodes, Edges: h.edges, Reflections: h.reflections, Errors: h.errs, Synthesizer: s, Cipher: h.cipher}
}

// plainCipher stores text as is. Ciphertext starting with "corrupt:" cannot
// be decrypted; failEncrypt breaks every Encrypt.
type plainCipher struct {
	failEncrypt bool
}

func (c *plainCipher) Encrypt(_ context.Context, _ uuid.UUID, plaintext string) (string, error) {
	if c.failEncrypt {
		return "", apperr.Encryption("encrypt", errors.New("key unavailable"))
	}
	return "sealed:" + plaintext, nil
}

func (c *plainCipher) Decrypt(_ context.Context, _ uuid.UUID, ciphertext string) (string, error) {
	if strings.HasPrefix(ciphertext, "corrupt:") {
		return "", apperr.Encryption("decrypt", errors.New("authentication failed"))
	}
	return ciphertext, nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	vecs  map[string][]float32
	errs  map[string]error
	def   []float32
	calls []string
	// block makes Embed wait for ctx; started is signalled on entry.
	block   bool
	started chan struct{}
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, text)
	v, ok := f.vecs[text]
	err := f.errs[text]
	block, started := f.block, f.started
	f.mu.Unlock()
	if block {
		if started != nil {
			select {
			case started <- struct{}{}:
			default:
			}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		v = f.def
	}
	return v, nil
}

func (f *fakeEmbedder) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeClassifier struct {
	mu    sync.Mutex
	fn    func(current, candidate services.NodeText) (services.Classification, error)
	calls [][2]string
}

func (f *fakeClassifier) Classify(_ context.Context, current, candidate services.NodeText) (services.Classification, error) {
	f.mu.Lock()
	f.calls = append(f.calls, [2]string{current.Text, candidate.Text})
	fn := f.fn
	f.mu.Unlock()
	return fn(current, candidate)
}

func (f *fakeClassifier) Calls() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][2]string(nil), f.calls...)
}

func constClassifier(edgeType string, confidence float64) *fakeClassifier {
	return &fakeClassifier{fn: func(_, _ services.NodeText) (services.Classification, error) {
		return services.Classification{EdgeType: edgeType, Confidence: confidence, Explanation: "linked"}, nil
	}}
}

type fakeSynthesizer struct {
	mu    sync.Mutex
	fn    func(texts []string) (string, error)
	calls [][]string
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, texts []string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return "You keep coming back to this.", nil
	}
	return fn(texts)
}

type pingFailer struct {
	fakeEmbedder
}

func (p *pingFailer) Ping(context.Context) error {
	return apperr.Transient("ping", apperr.ErrServiceUnavailable)
}
