package trainer

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/Formless-Technologies/gradients-tournament-text/pkg/checkpoint"
	"github.com/Formless-Technologies/gradients-tournament-text/pkg/dataset"
)

const (
	featureDim   = 256
	neftuneAlpha = 5.0
	adamBeta1    = 0.9
	adamBeta2    = 0.999
	adamEps      = 1e-8
)

// LowRankConfig carries the adapter hyperparameters.
type LowRankConfig struct {
	Rank        int
	Alpha       int
	Dropout     float64
	WeightDecay float64
	Beta        float64
	UseNeftune  bool
	SequenceLen int
	Seed        int64
}

// LowRankBackend is the in-process reference backend: a frozen linear scorer
// over hashed text features with a trainable low-rank delta B·A, optimized
// with AdamW. It implements the full control contract (gradient
// accumulation, non-finite detection, snapshots) without a real transformer.
type LowRankBackend struct {
	cfg   LowRankConfig
	rank  int
	scale float64

	base  []float64 // frozen, featureDim
	loraA []float64 // rank x featureDim, row-major
	loraB []float64 // rank

	gradA []float64
	gradB []float64
	accum int

	momentA  []float64
	velA     []float64
	momentB  []float64
	velB     []float64
	adamStep int

	rng  *rand.Rand
	step int
}

func NewLowRankBackend(cfg LowRankConfig) (*LowRankBackend, error) {
	rank := cfg.Rank
	if rank < 1 {
		rank = 8
	}
	if rank > featureDim {
		rank = featureDim
	}
	alpha := cfg.Alpha
	if alpha < 1 {
		alpha = rank
	}
	if cfg.Dropout < 0 || cfg.Dropout >= 1 {
		return nil, fmt.Errorf("adapter dropout must be in [0,1), got %g", cfg.Dropout)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = 42
	}
	rng := rand.New(rand.NewSource(seed))

	b := &LowRankBackend{
		cfg:     cfg,
		rank:    rank,
		scale:   float64(alpha) / float64(rank),
		base:    make([]float64, featureDim),
		loraA:   make([]float64, rank*featureDim),
		loraB:   make([]float64, rank),
		gradA:   make([]float64, rank*featureDim),
		gradB:   make([]float64, rank),
		momentA: make([]float64, rank*featureDim),
		velA:    make([]float64, rank*featureDim),
		momentB: make([]float64, rank),
		velB:    make([]float64, rank),
		rng:     rng,
	}

	// frozen base weights and the A matrix get small random init, B starts
	// at zero so the adapter delta is zero before the first update
	for i := range b.base {
		b.base[i] = rng.NormFloat64() * 0.1
	}
	for i := range b.loraA {
		b.loraA[i] = rng.NormFloat64() / math.Sqrt(featureDim)
	}

	return b, nil
}

// features hashes character trigrams into a fixed-length normalized vector.
func (b *LowRankBackend) features(text string) []float64 {
	if b.cfg.SequenceLen > 0 && len(text) > b.cfg.SequenceLen {
		text = text[:b.cfg.SequenceLen]
	}

	phi := make([]float64, featureDim)
	if len(text) < 3 {
		text = text + "   "
	}
	for i := 0; i+3 <= len(text); i++ {
		h := fnv.New32a()
		h.Write([]byte(text[i : i+3]))
		phi[h.Sum32()%featureDim]++
	}

	var norm float64
	for _, v := range phi {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range phi {
			phi[i] /= norm
		}
	}
	return phi
}

// target maps the expected output onto [0,1] so the scorer has a
// deterministic regression label.
func target(ex dataset.Example) float64 {
	ref := ex.Output
	if ref == "" {
		ref = ex.Label
	}
	h := fnv.New32a()
	h.Write([]byte(ref))
	return float64(h.Sum32()) / float64(math.MaxUint32)
}

func (b *LowRankBackend) forward(phi []float64) (y float64, aPhi []float64) {
	for i, v := range phi {
		y += b.base[i] * v
	}
	aPhi = make([]float64, b.rank)
	for r := 0; r < b.rank; r++ {
		row := b.loraA[r*featureDim : (r+1)*featureDim]
		var dot float64
		for i, v := range phi {
			dot += row[i] * v
		}
		aPhi[r] = dot
		y += b.scale * b.loraB[r] * dot
	}
	return y, aPhi
}

// addGrad backpropagates dL/dy through the adapter for the given input.
func (b *LowRankBackend) addGrad(dy float64, phi, aPhi []float64) {
	for r := 0; r < b.rank; r++ {
		b.gradB[r] += dy * b.scale * aPhi[r]
		coef := dy * b.scale * b.loraB[r]
		if coef == 0 {
			continue
		}
		row := b.gradA[r*featureDim : (r+1)*featureDim]
		for i, v := range phi {
			row[i] += coef * v
		}
	}
}

func (b *LowRankBackend) trainFeatures(text string) []float64 {
	phi := b.features(text)
	if b.cfg.Dropout > 0 {
		keep := 1 - b.cfg.Dropout
		for i := range phi {
			if b.rng.Float64() < b.cfg.Dropout {
				phi[i] = 0
			} else {
				phi[i] /= keep
			}
		}
	}
	if b.cfg.UseNeftune {
		// uniform noise scaled by alpha/sqrt(d), the NEFTune recipe
		mag := neftuneAlpha / math.Sqrt(featureDim)
		for i := range phi {
			phi[i] += (b.rng.Float64()*2 - 1) * mag
		}
	}
	return phi
}

func (b *LowRankBackend) Accumulate(ctx context.Context, batch []dataset.Example) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, &dataset.DataError{Err: fmt.Errorf("empty micro-batch")}
	}

	var lossSum float64
	inv := 1.0 / float64(len(batch))

	for _, ex := range batch {
		phi := b.trainFeatures(ex.Text())
		y, aPhi := b.forward(phi)
		t := target(ex)

		diff := y - t
		loss := diff * diff
		b.addGrad(2*diff*inv, phi, aPhi)

		// auxiliary preference term: push the chosen completion above the
		// rejected one, weighted by beta
		if ex.Rejected != "" && b.cfg.Beta > 0 {
			phiRej := b.trainFeatures(ex.Input + "\n" + ex.Rejected)
			yRej, aPhiRej := b.forward(phiRej)
			margin := yRej - y
			loss += b.cfg.Beta * math.Log1p(math.Exp(margin))
			sig := b.cfg.Beta / (1 + math.Exp(-margin))
			b.addGrad(sig*inv, phiRej, aPhiRej)
			b.addGrad(-sig*inv, phi, aPhi)
		}

		lossSum += loss
	}

	meanLoss := lossSum * inv
	if math.IsNaN(meanLoss) || math.IsInf(meanLoss, 0) {
		return meanLoss, &NumericalError{Step: b.step, Detail: fmt.Sprintf("micro-batch loss is %g", meanLoss)}
	}

	b.accum++
	return meanLoss, nil
}

func (b *LowRankBackend) Step(lr float64) error {
	if b.accum == 0 {
		return fmt.Errorf("optimizer step with no accumulated gradients")
	}

	inv := 1.0 / float64(b.accum)
	b.adamStep++
	bc1 := 1 - math.Pow(adamBeta1, float64(b.adamStep))
	bc2 := 1 - math.Pow(adamBeta2, float64(b.adamStep))

	update := func(params, grads, m, v []float64) error {
		for i := range params {
			g := grads[i] * inv
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return &NumericalError{Step: b.step, Detail: fmt.Sprintf("gradient is %g", g)}
			}
			m[i] = adamBeta1*m[i] + (1-adamBeta1)*g
			v[i] = adamBeta2*v[i] + (1-adamBeta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			params[i] -= lr * (mHat/(math.Sqrt(vHat)+adamEps) + b.cfg.WeightDecay*params[i])
			if math.IsNaN(params[i]) || math.IsInf(params[i], 0) {
				return &NumericalError{Step: b.step, Detail: fmt.Sprintf("parameter is %g", params[i])}
			}
		}
		return nil
	}

	if err := update(b.loraA, b.gradA, b.momentA, b.velA); err != nil {
		return err
	}
	if err := update(b.loraB, b.gradB, b.momentB, b.velB); err != nil {
		return err
	}

	for i := range b.gradA {
		b.gradA[i] = 0
	}
	for i := range b.gradB {
		b.gradB[i] = 0
	}
	b.accum = 0
	b.step++
	return nil
}

func (b *LowRankBackend) Evaluate(ctx context.Context, batch []dataset.Example) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, &dataset.DataError{Err: fmt.Errorf("empty eval batch")}
	}

	var lossSum float64
	for _, ex := range batch {
		phi := b.features(ex.Text())
		y, _ := b.forward(phi)
		diff := y - target(ex)
		lossSum += diff * diff
	}
	return lossSum / float64(len(batch)), nil
}

func (b *LowRankBackend) Snapshot() checkpoint.Snapshot {
	a := make([]float32, len(b.loraA))
	for i, v := range b.loraA {
		a[i] = float32(v)
	}
	bb := make([]float32, len(b.loraB))
	for i, v := range b.loraB {
		bb[i] = float32(v)
	}
	return checkpoint.Snapshot{
		"lora_a": a,
		"lora_b": bb,
	}
}
