package compress

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxDecodedSize bounds decoder output when Options leaves it unset.
const DefaultMaxDecodedSize = 4 << 20

// defaultTimeBudget is the reference used to normalize expected processing
// time when the caller gives no MaxTime.
const defaultTimeBudget = 50 * time.Millisecond

// learnMinSize is the smallest payload whose observed ratio feeds the
// learned estimate; tiny payloads are dominated by framing overhead.
const learnMinSize = 64

// ErrNoMethodFits is returned by Fit when no method can produce an encoding
// within the size constraint.
var ErrNoMethodFits = errors.New("compress: no method fits constraints")

// CompressionError reports that a method failed to encode or decode.
type CompressionError struct {
	Method Method
	Op     string
	Err    error
}

func (e *CompressionError) Error() string {
	return fmt.Sprintf("compress: %s %s: %v", e.Method, e.Op, e.Err)
}

func (e *CompressionError) Unwrap() error { return e.Err }

// Constraints are hard limits on an encoding. Zero means unbounded.
type Constraints struct {
	MaxSize int
	MaxTime time.Duration
}

// Weights balance size reduction against processing time when scoring.
type Weights struct {
	Ratio float64 `yaml:"ratio"`
	Time  float64 `yaml:"time"`
}

// DefaultWeights favour size reduction; links are the scarce resource.
func DefaultWeights() Weights {
	return Weights{Ratio: 0.7, Time: 0.3}
}

// Choice is a scored recommendation.
type Choice struct {
	Method        Method
	EstimatedSize int
	EstimatedTime time.Duration
	Score         float64
	// Fallback is set when no method satisfied the constraints and None was
	// returned by default.
	Fallback bool
}

// Result is the output of one Compress call.
type Result struct {
	Method       Method
	OriginalSize int
	EncodedSize  int
	Elapsed      time.Duration
	Encoded      []byte
}

// Ratio returns EncodedSize/OriginalSize (1 for empty input).
func (r Result) Ratio() float64 {
	if r.OriginalSize == 0 {
		return 1
	}
	return float64(r.EncodedSize) / float64(r.OriginalSize)
}

// Options configures a Pipeline.
type Options struct {
	Weights        Weights
	MaxDecodedSize int
	// Disabled methods are never recommended. None cannot be disabled.
	Disabled []Method
	Logger   *zap.Logger
}

// Pipeline recommends, applies and reverses encodings. It learns observed
// ratios per method and is safe for concurrent use.
type Pipeline struct {
	weights    Weights
	maxDecoded int
	disabled   map[Method]bool
	codecs     map[Method]codec
	zstd       *zstdCodec
	log        *zap.Logger
	closeOnce  sync.Once

	mu     sync.Mutex
	ratios map[Method]float64
}

// New builds a Pipeline with every supported method.
func New(opts Options) (*Pipeline, error) {
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}
	if opts.MaxDecodedSize <= 0 {
		opts.MaxDecodedSize = DefaultMaxDecodedSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	zc, err := newZstdCodec(opts.MaxDecodedSize)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		weights:    opts.Weights,
		maxDecoded: opts.MaxDecodedSize,
		disabled:   make(map[Method]bool),
		zstd:       zc,
		log:        opts.Logger,
		ratios:     make(map[Method]float64),
		codecs: map[Method]codec{
			None:    noneCodec{},
			S2:      s2Codec{},
			Deflate: deflateCodec{},
			Zstd:    zc,
			Brotli:  brotliCodec{},
		},
	}
	for _, m := range opts.Disabled {
		if m != None {
			p.disabled[m] = true
		}
	}
	for m, pr := range profiles {
		p.ratios[m] = pr.ratio
	}
	return p, nil
}

// Close releases encoder resources. Later calls do nothing.
func (p *Pipeline) Close() {
	p.closeOnce.Do(p.zstd.close)
}

// Recommend returns the highest-scoring method whose estimate satisfies c,
// or None with Fallback set when nothing qualifies.
func (p *Pipeline) Recommend(size int, c Constraints) Choice {
	ranked, _ := p.rank(size, c)
	if len(ranked) == 0 {
		return Choice{Method: None, EstimatedSize: size, Fallback: true}
	}
	return ranked[0]
}

// rank scores every enabled method. Qualified choices come back sorted best
// first; the second slice holds methods disqualified only by MaxSize,
// sorted by estimated size.
func (p *Pipeline) rank(size int, c Constraints) (qualified, oversize []Choice) {
	budget := c.MaxTime
	if budget <= 0 {
		budget = defaultTimeBudget
	}

	p.mu.Lock()
	ratios := make(map[Method]float64, len(p.ratios))
	for m, r := range p.ratios {
		ratios[m] = r
	}
	p.mu.Unlock()

	for i, m := range Methods() {
		if p.disabled[m] {
			continue
		}
		pr := profiles[m]
		est := size
		if m != None {
			est = pr.overhead + int(float64(size)*ratios[m]+0.5)
		}
		var elapsed time.Duration
		if pr.throughput > 0 {
			elapsed = time.Duration(float64(size) / pr.throughput * float64(time.Millisecond))
		}

		reduction := 0.0
		if size > 0 && est < size {
			reduction = 1 - float64(est)/float64(size)
		}
		speed := 1 - float64(elapsed)/float64(budget)
		if speed < 0 {
			speed = 0
		}
		ch := Choice{
			Method:        m,
			EstimatedSize: est,
			EstimatedTime: elapsed,
			// Catalogue index breaks exact ties in favour of cheaper methods.
			Score: p.weights.Ratio*reduction + p.weights.Time*speed - float64(i)*1e-9,
		}

		if c.MaxTime > 0 && elapsed > c.MaxTime {
			continue
		}
		if c.MaxSize > 0 && est > c.MaxSize {
			oversize = append(oversize, ch)
			continue
		}
		qualified = append(qualified, ch)
	}

	sort.SliceStable(qualified, func(i, j int) bool { return qualified[i].Score > qualified[j].Score })
	sort.SliceStable(oversize, func(i, j int) bool { return oversize[i].EstimatedSize < oversize[j].EstimatedSize })
	return qualified, oversize
}

// Compress encodes payload with m.
func (p *Pipeline) Compress(payload []byte, m Method) (Result, error) {
	cd, ok := p.codecs[m]
	if !ok {
		return Result{}, &CompressionError{Method: m, Op: "encode", Err: fmt.Errorf("unsupported method")}
	}
	if len(payload) > p.maxDecoded {
		return Result{}, &CompressionError{Method: m, Op: "encode",
			Err: fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), p.maxDecoded)}
	}
	start := time.Now()
	out, err := cd.encode(payload)
	if err != nil {
		return Result{}, &CompressionError{Method: m, Op: "encode", Err: err}
	}
	res := Result{
		Method:       m,
		OriginalSize: len(payload),
		EncodedSize:  len(out),
		Elapsed:      time.Since(start),
		Encoded:      out,
	}
	p.learn(res)
	return res, nil
}

// MaxPayloadSize is the largest payload Compress accepts.
func (p *Pipeline) MaxPayloadSize() int { return p.maxDecoded }

// Decompress reverses Compress.
func (p *Pipeline) Decompress(encoded []byte, m Method) ([]byte, error) {
	cd, ok := p.codecs[m]
	if !ok {
		return nil, &CompressionError{Method: m, Op: "decode", Err: fmt.Errorf("unsupported method")}
	}
	out, err := cd.decode(encoded, p.maxDecoded)
	if err != nil {
		return nil, &CompressionError{Method: m, Op: "decode", Err: err}
	}
	return out, nil
}

// Fit recommends, compresses and verifies the result against c.MaxSize,
// walking further candidates when the estimate was optimistic. A method that
// fails to encode is skipped; None is always among the candidates, so an
// encoder failure degrades to sending the payload as-is.
func (p *Pipeline) Fit(payload []byte, c Constraints) (Result, error) {
	if len(payload) > p.maxDecoded {
		return Result{}, &CompressionError{Method: None, Op: "encode",
			Err: fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), p.maxDecoded)}
	}
	qualified, oversize := p.rank(len(payload), c)
	candidates := append(qualified, oversize...)

	for _, ch := range candidates {
		res, err := p.Compress(payload, ch.Method)
		if err != nil {
			p.log.Warn("compress: method failed, trying next",
				zap.String("method", string(ch.Method)), zap.Error(err))
			continue
		}
		if c.MaxSize > 0 && res.EncodedSize > c.MaxSize {
			continue
		}
		return res, nil
	}
	return Result{}, fmt.Errorf("%w: %d bytes into %d", ErrNoMethodFits, len(payload), c.MaxSize)
}

// learn folds an observed ratio into the method's running estimate.
func (p *Pipeline) learn(res Result) {
	if res.Method == None || res.OriginalSize < learnMinSize {
		return
	}
	observed := float64(res.EncodedSize-profiles[res.Method].overhead) / float64(res.OriginalSize)
	if observed < 0.01 {
		observed = 0.01
	}
	p.mu.Lock()
	p.ratios[res.Method] = 0.8*p.ratios[res.Method] + 0.2*observed
	p.mu.Unlock()
}

// EstimatedRatio exposes the current learned ratio for m.
func (p *Pipeline) EstimatedRatio(m Method) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ratios[m]
}
