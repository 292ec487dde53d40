// Package learnedindex implements the optional position-predicting
// models described in spec.md §4.4: a model predicts where a key lives
// in an SST's index array; the caller verifies the prediction within an
// error bound and falls back to binary search on failure. That fallback
// is mandatory — no Model implementation here is ever the sole lookup
// path, by construction of PredictAndVerify's contract.
package learnedindex

import (
	"encoding/binary"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/dreamsxin/auradb/config"
	auerr "github.com/dreamsxin/auradb/errors"
	"github.com/dreamsxin/auradb/types"
)

// Sample is one (key, position) observation used to train a model,
// drawn from an SST's index block at build or background-retrain time.
type Sample struct {
	Key      types.Key
	Position int
}

// Model predicts an entry's position in a caller-supplied ordered array
// from its key. cmp follows sort.Search convention: cmp(i) compares
// index i's key against the target (negative, zero, positive). A
// PredictAndVerify call that returns ok=false means "predictions
// exhausted the error bound without confirming a match" — the caller
// must fall back to its own binary search, per spec.md §4.4.
type Model interface {
	PredictAndVerify(key types.Key, n int, cmp func(i int) int) (pos int, ok bool)
}

// keyToFloat projects a key's first 8 bytes (big-endian, zero-padded)
// onto a float64 so a key can serve as a regression input. This is a
// lossy projection for keys longer than 8 bytes, which is acceptable:
// a wrong prediction just means the epsilon-window check fails and the
// caller falls back to binary search, never silently returns a wrong
// answer.
func keyToFloat(k types.Key) float64 {
	var b [8]byte
	copy(b[:], k)
	return float64(binary.BigEndian.Uint64(b[:]))
}

// linearSegment is one piece of a piecewise-linear model: position ≈
// slope*x + intercept over the key range starting at startKey.
type linearSegment struct {
	startKey         types.Key
	slope, intercept float64
	epsilon          int
}

// PiecewiseLinearModel is the default learned-index model named by
// spec.md §6's `model_type = piecewise_linear`. It is built with the
// PGM-index-style greedy segmentation: grow each segment for as long as
// a least-squares fit over it still predicts every training point
// within epsilon, then start a new segment.
type PiecewiseLinearModel struct {
	segments []linearSegment
}

// Train fits a PiecewiseLinearModel to samples, which must already be
// sorted by Key ascending (as an SST's index entries are). epsilon
// bounds how far a segment's worst prediction may stray from the truth
// on the training set; PredictAndVerify searches a window of the same
// epsilon around each prediction at lookup time.
func Train(samples []Sample, epsilon int) (*PiecewiseLinearModel, error) {
	if len(samples) == 0 {
		return nil, auerr.New(auerr.CodeLearnedIndex, "cannot train a model on zero samples")
	}
	if epsilon <= 0 {
		epsilon = 8
	}

	m := &PiecewiseLinearModel{}
	i := 0
	for i < len(samples) {
		xs := []float64{keyToFloat(samples[i].Key)}
		ys := []float64{float64(samples[i].Position)}
		slope, intercept := 0.0, ys[0]
		j := i + 1
		for j < len(samples) {
			xs = append(xs, keyToFloat(samples[j].Key))
			ys = append(ys, float64(samples[j].Position))
			intercept, slope = stat.LinearRegression(xs, ys, nil, false)
			if !withinEpsilon(xs, ys, slope, intercept, epsilon) {
				xs = xs[:len(xs)-1]
				ys = ys[:len(ys)-1]
				break
			}
			j++
		}
		if len(xs) >= 2 {
			intercept, slope = stat.LinearRegression(xs, ys, nil, false)
		}
		m.segments = append(m.segments, linearSegment{
			startKey:  samples[i].Key,
			slope:     slope,
			intercept: intercept,
			epsilon:   epsilon,
		})
		i = j
	}
	return m, nil
}

func withinEpsilon(xs, ys []float64, slope, intercept float64, epsilon int) bool {
	for k := range xs {
		pred := slope*xs[k] + intercept
		if math.Abs(pred-ys[k]) > float64(epsilon) {
			return false
		}
	}
	return true
}

func (m *PiecewiseLinearModel) segmentFor(key types.Key) linearSegment {
	idx := sort.Search(len(m.segments), func(i int) bool {
		return m.segments[i].startKey.Compare(key) > 0
	})
	if idx > 0 {
		idx--
	}
	return m.segments[idx]
}

// PredictAndVerify implements Model.
func (m *PiecewiseLinearModel) PredictAndVerify(key types.Key, n int, cmp func(i int) int) (int, bool) {
	if n == 0 || len(m.segments) == 0 {
		return 0, false
	}
	seg := m.segmentFor(key)
	pred := int(math.Round(seg.slope*keyToFloat(key) + seg.intercept))
	return verifyWindow(pred, seg.epsilon, n, cmp)
}

func verifyWindow(pred, epsilon, n int, cmp func(i int) int) (int, bool) {
	lo, hi := pred-epsilon, pred+epsilon
	if lo < 0 {
		lo = 0
	}
	if hi >= n {
		hi = n - 1
	}
	for i := lo; i <= hi; i++ {
		if cmp(i) == 0 {
			return i, true
		}
	}
	return 0, false
}

// RecursiveModel is the `rmi` model type: a flat array of leaf
// PiecewiseLinearModels, each covering a contiguous slice of the
// training samples, selected by binary search over leaf boundary keys.
// The classic RMI paper also trains a parametric root stage to route to
// a leaf in O(1); with typically only a handful of leaves per SST, a
// direct search over leaf boundaries is just as fast and removes a
// second source of misrouting error, so that stage is skipped here.
type RecursiveModel struct {
	leafStarts []types.Key
	leaves     []*PiecewiseLinearModel
}

// TrainRMI partitions samples into numLeaves contiguous chunks and
// trains one PiecewiseLinearModel per chunk.
func TrainRMI(samples []Sample, epsilon, numLeaves int) (*RecursiveModel, error) {
	if len(samples) == 0 {
		return nil, auerr.New(auerr.CodeLearnedIndex, "cannot train RMI on zero samples")
	}
	if numLeaves <= 0 {
		numLeaves = 4
	}
	if numLeaves > len(samples) {
		numLeaves = len(samples)
	}
	chunkSize := (len(samples) + numLeaves - 1) / numLeaves

	rm := &RecursiveModel{}
	for start := 0; start < len(samples); start += chunkSize {
		end := start + chunkSize
		if end > len(samples) {
			end = len(samples)
		}
		chunk := samples[start:end]
		leaf, err := Train(chunk, epsilon)
		if err != nil {
			return nil, err
		}
		rm.leaves = append(rm.leaves, leaf)
		rm.leafStarts = append(rm.leafStarts, chunk[0].Key)
	}
	return rm, nil
}

func (m *RecursiveModel) leafFor(key types.Key) int {
	idx := sort.Search(len(m.leafStarts), func(i int) bool {
		return m.leafStarts[i].Compare(key) > 0
	})
	if idx > 0 {
		idx--
	}
	return idx
}

// PredictAndVerify implements Model.
func (m *RecursiveModel) PredictAndVerify(key types.Key, n int, cmp func(i int) int) (int, bool) {
	if len(m.leaves) == 0 {
		return 0, false
	}
	return m.leaves[m.leafFor(key)].PredictAndVerify(key, n, cmp)
}

// TinyNN is the `tiny_nn` model type: a single-hidden-layer,
// ReLU-activated feed-forward network evaluated with gonum/mat. Per
// spec.md §1, training this network is an external concern ("the
// learned-index training procedure... may be done offline or by an
// external component") — TinyNN only performs inference against
// weights supplied by NewTinyNN.
type TinyNN struct {
	w1      *mat.Dense // hidden x 1
	b1      *mat.VecDense
	w2      *mat.Dense // 1 x hidden
	b2      float64
	epsilon int
}

// NewTinyNN wraps an externally trained set of weights. w1/b1 project
// the scalar key input into the hidden layer; w2/b2 project the
// ReLU-activated hidden layer down to the predicted position.
func NewTinyNN(w1 *mat.Dense, b1 *mat.VecDense, w2 *mat.Dense, b2 float64, epsilon int) *TinyNN {
	if epsilon <= 0 {
		epsilon = 8
	}
	return &TinyNN{w1: w1, b1: b1, w2: w2, b2: b2, epsilon: epsilon}
}

func relu(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

func (m *TinyNN) predict(key types.Key) int {
	x := keyToFloat(key)
	hiddenRows, _ := m.w1.Dims()
	hidden := mat.NewVecDense(hiddenRows, nil)
	for i := 0; i < hiddenRows; i++ {
		hidden.SetVec(i, relu(m.w1.At(i, 0)*x+m.b1.AtVec(i)))
	}
	_, cols := m.w2.Dims()
	out := m.b2
	for i := 0; i < cols; i++ {
		out += m.w2.At(0, i) * hidden.AtVec(i)
	}
	return int(math.Round(out))
}

// PredictAndVerify implements Model.
func (m *TinyNN) PredictAndVerify(key types.Key, n int, cmp func(i int) int) (int, bool) {
	if m.w1 == nil || m.w2 == nil || n == 0 {
		return 0, false
	}
	return verifyWindow(m.predict(key), m.epsilon, n, cmp)
}

// BuildFromSamples trains a Model of the type named by cfg.ModelType.
// TinyNN is excluded: its weights come from external training and it is
// constructed directly via NewTinyNN instead.
func BuildFromSamples(cfg config.LearnedIndexConfig, samples []Sample) (Model, error) {
	const defaultEpsilon = 8
	switch cfg.ModelType {
	case config.ModelRMI:
		return TrainRMI(samples, defaultEpsilon, 8)
	case config.ModelTinyNN:
		return nil, auerr.New(auerr.CodeLearnedIndex, "tiny_nn models are built from external weights via NewTinyNN, not BuildFromSamples")
	case config.ModelPiecewiseLinear:
		fallthrough
	default:
		return Train(samples, defaultEpsilon)
	}
}
