package exgroup

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/parexec/devices"
	"github.com/gomlx/parexec/graphs"
	"github.com/gomlx/parexec/graphs/graphstest"
	"github.com/gomlx/parexec/kvstore"
	"github.com/gomlx/parexec/types"
	"github.com/gomlx/parexec/types/shapes"
	"github.com/gomlx/parexec/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

// testSymbol scripts a small model: out = f(data; w, b), with a label input
// and one auxiliary state.
func testSymbol() *graphstest.Symbol {
	return graphstest.NewSymbol("mlp").
		Input("data", dtypes.Float32, 4).
		Param("w", dtypes.Float32, 4, 2).
		Param("b", dtypes.Float32, 2).
		Input("label", dtypes.Float32, 2).
		Aux("stats", dtypes.Float32, 2).
		Output("out", dtypes.Float32, 2)
}

func testConfig(sym *graphstest.Symbol) Config {
	return Config{
		Symbol:      sym,
		Allocator:   tensors.HostAllocator{},
		Devices:     []devices.Device{devices.GPU(0), devices.GPU(1)},
		DataShapes:  map[string]shapes.Shape{"data": shapes.Make(dtypes.Float32, 6, 4)},
		LabelShapes: map[string]shapes.Shape{"label": shapes.Make(dtypes.Float32, 6, 2)},
		ForTraining: true,
	}
}

// rowTensor returns a (rows, cols) float32 tensor where every element of row r
// has the value r, so slices of the batch axis are recognizable.
func rowTensor(rows, cols int) *tensors.Local {
	flat := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			flat[r*cols+c] = float32(r)
		}
	}
	return tensors.FromFlat(flat, rows, cols)
}

func testBatch() *ArrayBatch {
	return &ArrayBatch{
		Data:   map[string]tensors.Tensor{"data": rowTensor(6, 4)},
		Labels: map[string]tensors.Tensor{"label": rowTensor(6, 2)},
	}
}

func flat32(v tensors.Tensor) []float32 {
	return tensors.FlatData[float32](v.ToHost())
}

func TestConstruction(t *testing.T) {
	sym := testSymbol()
	g := must.M1(NewChecked(testConfig(sym)))

	require.Equal(t, 6, g.BatchSize())
	require.Equal(t, []Range{{0, 3}, {3, 6}}, g.Ranges())
	require.Equal(t, []string{"w", "b"}, g.ParamNames())
	require.Len(t, g.Executors(), 2)
	require.Equal(t, []devices.Device{devices.GPU(0), devices.GPU(1)}, g.Devices())

	// Per-device storage shapes: batch-dependent arguments are sliced, parameters are not.
	exec0 := sym.Bound[0]
	require.Equal(t, shapes.Make(dtypes.Float32, 3, 4), exec0.Args[0].Shape()) // data
	require.Equal(t, shapes.Make(dtypes.Float32, 4, 2), exec0.Args[1].Shape()) // w
	require.Equal(t, shapes.Make(dtypes.Float32, 3, 2), exec0.Args[3].Shape()) // label
	require.Equal(t, shapes.Make(dtypes.Float32, 2), exec0.Aux[0].Shape())     // stats

	// Gradient requirements: parameters write, inputs and aux-free names don't.
	require.Equal(t, graphs.GradReqWrite, g.GradReqs()["w"])
	require.Equal(t, graphs.GradReqWrite, g.GradReqs()["b"])
	require.Equal(t, graphs.GradReqNull, g.GradReqs()["data"])
	require.NotNil(t, exec0.Grads[1])
	require.Nil(t, exec0.Grads[0])

	// Output shapes are single-device, zipped with the declared output names.
	require.Equal(t, map[string]shapes.Shape{"out": shapes.Make(dtypes.Float32, 3, 2)}, g.OutputShapes())
}

func TestConstructionErrors(t *testing.T) {
	// Underdetermined inference is construction-fatal.
	_, err := NewChecked(testConfig(testSymbol().Underdetermined()))
	require.ErrorContains(t, err, "underdetermined")

	// Batch-size mismatch across provided shapes is construction-fatal.
	cfg := testConfig(testSymbol())
	cfg.LabelShapes = map[string]shapes.Shape{"label": shapes.Make(dtypes.Float32, 5, 2)}
	_, err = NewChecked(cfg)
	require.ErrorContains(t, err, "batch dimension")

	// Unknown input names are construction-fatal.
	cfg = testConfig(testSymbol())
	cfg.DataShapes["bogus"] = shapes.Make(dtypes.Float32, 6, 1)
	require.Panics(t, func() { New(cfg) })

	cfg = testConfig(testSymbol())
	cfg.Devices = nil
	require.Panics(t, func() { New(cfg) })

	cfg = testConfig(testSymbol())
	cfg.ForTraining = false
	cfg.InputsNeedGrad = true
	require.Panics(t, func() { New(cfg) })
}

func TestForwardScattersAndComputes(t *testing.T) {
	sym := testSymbol()
	g := New(testConfig(sym))
	g.Forward(ArrayProvider{}, testBatch())

	exec0, exec1 := sym.Bound[0], sym.Bound[1]
	require.Equal(t, 1, exec0.ForwardCalls)
	require.Equal(t, 1, exec1.ForwardCalls)
	require.True(t, exec0.LastTrain)

	// Device 0 got rows 0..2, device 1 rows 3..5, of both data and labels.
	require.Equal(t, flat32(rowTensor(6, 4).Slice(0, 3)), flat32(exec0.Args[0]))
	require.Equal(t, flat32(rowTensor(6, 4).Slice(3, 6)), flat32(exec1.Args[0]))
	require.Equal(t, flat32(rowTensor(6, 2).Slice(0, 3)), flat32(exec0.Args[3]))
	require.Equal(t, flat32(rowTensor(6, 2).Slice(3, 6)), flat32(exec1.Args[3]))

	// The train override is passed through, and labels are left alone then.
	g.Forward(ArrayProvider{}, testBatch(), false)
	require.False(t, exec0.LastTrain)
}

func TestOutputsMergeAndPerDevice(t *testing.T) {
	sym := testSymbol()
	g := New(testConfig(sym))
	g.Forward(ArrayProvider{}, testBatch())

	// The fake executors fill outputs with ordinal+1: 1.0 on gpu:0, 2.0 on gpu:1.
	merged := g.Outputs()
	require.Len(t, merged, 1)
	require.Equal(t, shapes.Make(dtypes.Float32, 6, 2), merged[0].Shape())
	values := flat32(merged[0])
	for i, v := range values {
		if i < 3*2 {
			require.Equal(t, float32(1), v)
		} else {
			require.Equal(t, float32(2), v)
		}
	}

	perDevice := g.DeviceOutputs()
	require.Len(t, perDevice, 1)
	require.Len(t, perDevice[0], 2)
	require.Equal(t, 3, perDevice[0][0].Shape().Batch())
	require.Equal(t, 3, perDevice[0][1].Shape().Batch())

	// Merging allocates fresh tensors, it never aliases device storage.
	merged[0].(*tensors.Local).Fill(0)
	require.Equal(t, float32(1), flat32(perDevice[0][0])[0])
}

func TestBackward(t *testing.T) {
	// Backward on a group not bound for training is fatal.
	evalCfg := testConfig(testSymbol())
	evalCfg.ForTraining = false
	eval := New(evalCfg)
	err := exceptions.TryCatch[error](func() { eval.Backward(nil) })
	require.ErrorContains(t, err, "not bound for training")

	sym := testSymbol()
	g := New(testConfig(sym))
	outGrad := rowTensor(6, 2)
	g.Backward([]tensors.Tensor{outGrad})

	for d, exec := range sym.Bound {
		require.Equal(t, 1, exec.BackwardCalls)
		require.Len(t, exec.LastOutGrads, 1)
		got := exec.LastOutGrads[0]
		// Copied to the executor's device, never aliased.
		require.Equal(t, devices.GPU(d), got.Device())
		require.NotSame(t, outGrad, got)
		require.Equal(t, flat32(outGrad), flat32(got))
	}

	// Zero output gradients are fine.
	g.Backward(nil)
	require.Equal(t, 2, sym.Bound[0].BackwardCalls)
	require.Empty(t, sym.Bound[0].LastOutGrads)
}

func TestSetAndGetParams(t *testing.T) {
	sym := testSymbol()
	g := New(testConfig(sym))

	wVal := tensors.FromFlat([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 4, 2)
	bVal := tensors.FromFlat([]float32{-1, -2}, 2)
	statsVal := tensors.FromFlat([]float32{10, 20}, 2)
	g.SetParams(
		map[string]tensors.Tensor{"w": wVal, "b": bVal},
		map[string]tensors.Tensor{"stats": statsVal},
		false)
	for d := range g.Devices() {
		require.Equal(t, flat32(wVal), flat32(g.ParamBlock(0)[d]))
		require.Equal(t, flat32(bVal), flat32(g.ParamBlock(1)[d]))
		require.Equal(t, flat32(statsVal), flat32(sym.Bound[d].Aux[0]))
	}

	// Unknown names are fatal, unless extras are explicitly allowed.
	extra := map[string]tensors.Tensor{"nope": bVal}
	require.Panics(t, func() { g.SetParams(extra, nil, false) })
	require.Panics(t, func() { g.SetParams(nil, extra, false) })
	g.SetParams(extra, extra, true)

	// Round-trip: identical per-device values average back to themselves.
	out := map[string]tensors.Tensor{
		"w": tensors.FromShape(shapes.Make(dtypes.Float32, 4, 2)),
		"b": tensors.FromShape(shapes.Make(dtypes.Float32, 2)),
	}
	auxOut := map[string]tensors.Tensor{"stats": tensors.FromShape(shapes.Make(dtypes.Float32, 2))}
	g.GetParams(out, auxOut)
	require.Equal(t, flat32(wVal), flat32(out["w"]))
	require.Equal(t, flat32(bVal), flat32(out["b"]))
	require.Equal(t, flat32(statsVal), flat32(auxOut["stats"]))

	// Diverged devices are averaged elementwise: (2 + 4) / 2 == 3.
	g.ParamBlock(1)[0].(*tensors.Local).Fill(2)
	g.ParamBlock(1)[1].(*tensors.Local).Fill(4)
	g.GetParams(out, auxOut)
	require.Equal(t, []float32{3, 3}, flat32(out["b"]))

	// Every parameter needs a destination.
	require.Panics(t, func() { g.GetParams(map[string]tensors.Tensor{"w": out["w"]}, auxOut) })
}

func TestUpdateParamsLocal(t *testing.T) {
	sym := testSymbol()
	cfg := testConfig(sym)
	cfg.Freeze = FixedNames{"w"}
	g := New(cfg)
	require.True(t, g.FrozenParamIndices().Equal(types.SetWith(0)))
	require.Equal(t, graphs.GradReqNull, g.GradReqs()["w"])

	// Fill b's per-device gradients; w has no gradient storage at all.
	require.Nil(t, g.GradBlock(0)[0])
	g.GradBlock(1)[0].(*tensors.Local).Fill(1)
	g.GradBlock(1)[1].(*tensors.Local).Fill(2)

	var keys []int
	var grads, weights []tensors.Tensor
	g.UpdateParams(func(key int, grad, weight tensors.Tensor) {
		keys = append(keys, key)
		grads = append(grads, grad)
		weights = append(weights, weight)
	}, false, nil)

	// Only b (index 1) updates: synthesized keys 1*2+0 and 1*2+1. The frozen w
	// never reaches the updater.
	require.Equal(t, []int{2, 3}, keys)
	require.Same(t, g.GradBlock(1)[0], grads[0])
	require.Same(t, g.ParamBlock(1)[1], weights[1])

	require.Panics(t, func() { g.UpdateParams(nil, false, nil) })
	require.Panics(t, func() { g.UpdateParams(nil, true, nil) })
}

// countingStore spies on push/pull traffic to a Store.
type countingStore struct {
	inner            kvstore.Store
	pushes, pulls    []int
	pushPriorities   []int
}

func (s *countingStore) Push(key int, values []tensors.Tensor, priority int) {
	s.pushes = append(s.pushes, key)
	s.pushPriorities = append(s.pushPriorities, priority)
	s.inner.Push(key, values, priority)
}

func (s *countingStore) Pull(key int, targets []tensors.Tensor, priority int) {
	s.pulls = append(s.pulls, key)
	s.inner.Pull(key, targets, priority)
}

func TestUpdateParamsOnKVStore(t *testing.T) {
	sym := testSymbol()
	cfg := testConfig(sym)
	cfg.Freeze = FixedNames{"w"}
	g := New(cfg)

	local := kvstore.NewLocal()
	// Store-side updates: seed the store with b's weight, attach an SGD step.
	g.ParamBlock(1)[0].(*tensors.Local).Fill(10)
	local.Init(1, g.ParamBlock(1)[0])
	local.SetUpdater(func(key int, grad, weight tensors.Tensor) {
		require.Equal(t, 1, key)
		sum := tensors.FlatData[float32](grad.ToHost())
		updated := tensors.FromShape(weight.Shape())
		upFlat := tensors.FlatData[float32](updated)
		for i, w := range tensors.FlatData[float32](weight.ToHost()) {
			upFlat[i] = w - sum[i]
		}
		weight.CopyFrom(updated)
	})

	g.GradBlock(1)[0].(*tensors.Local).Fill(1)
	g.GradBlock(1)[1].(*tensors.Local).Fill(2)

	store := &countingStore{inner: local}
	g.UpdateParams(nil, true, store)

	// Frozen w (index 0) saw no traffic at all; b pushed and pulled under its
	// parameter index, priority -index.
	require.Equal(t, []int{1}, store.pushes)
	require.Equal(t, []int{1}, store.pulls)
	require.Equal(t, []int{-1}, store.pushPriorities)

	// Weight became 10 - (1+2) = 7 on every device, pulled in place.
	require.Equal(t, []float32{7, 7}, flat32(g.ParamBlock(1)[0]))
	require.Equal(t, []float32{7, 7}, flat32(g.ParamBlock(1)[1]))
}

func TestUpdateParamsAggregateOnly(t *testing.T) {
	// A store without store-side updates aggregates gradients; the update
	// itself still runs locally per (parameter, device).
	sym := testSymbol()
	g := New(testConfig(sym))

	for idx := 0; idx < 2; idx++ {
		g.GradBlock(idx)[0].(*tensors.Local).Fill(1)
		g.GradBlock(idx)[1].(*tensors.Local).Fill(2)
	}

	var keys []int
	store := &countingStore{inner: kvstore.NewLocal()}
	g.UpdateParams(func(key int, grad, weight tensors.Tensor) {
		keys = append(keys, key)
		// Both devices see the aggregated gradient 1+2.
		require.Equal(t, float32(3), tensors.FlatData[float32](grad.ToHost())[0])
	}, false, store)

	require.Equal(t, []int{0, 1}, store.pushes)
	require.Equal(t, []int{0, 1}, store.pulls)
	require.Equal(t, []int{0, 1, 2, 3}, keys)
}

func TestSynthesizedKeysNeverCollide(t *testing.T) {
	// Two different parameters on the same device, or the same parameter on two
	// devices, never share a key, whatever the device count.
	for numDevices := 1; numDevices <= 5; numDevices++ {
		seen := types.MakeSet[int]()
		for idx := 0; idx < 7; idx++ {
			for d := 0; d < numDevices; d++ {
				key := idx*numDevices + d
				require.False(t, seen.Has(key), "key %d collides (devices=%d)", key, numDevices)
				seen.Insert(key)
			}
		}
	}
}

func TestInputGrads(t *testing.T) {
	sym := testSymbol()
	g := New(testConfig(sym))
	// Not requested at bind time: empty result.
	require.Empty(t, g.InputGrads())
	require.Empty(t, g.DeviceInputGrads())

	sym = testSymbol()
	cfg := testConfig(sym)
	cfg.InputsNeedGrad = true
	g = New(cfg)

	perDevice := g.DeviceInputGrads()
	require.Len(t, perDevice, 1) // only "data", labels are not input grads
	require.Len(t, perDevice[0], 2)
	perDevice[0][0].(*tensors.Local).Fill(1)
	perDevice[0][1].(*tensors.Local).Fill(2)

	merged := g.InputGrads()
	require.Len(t, merged, 1)
	require.Equal(t, shapes.Make(dtypes.Float32, 6, 4), merged[0].Shape())
	values := flat32(merged[0])
	require.Equal(t, float32(1), values[0])
	require.Equal(t, float32(2), values[len(values)-1])
}

func TestSharedGroup(t *testing.T) {
	sym := testSymbol()
	train := New(testConfig(sym))

	evalSym := testSymbol()
	evalCfg := testConfig(evalSym)
	evalCfg.ForTraining = false
	evalCfg.Shared = train
	evalCfg.DataShapes = map[string]shapes.Shape{"data": shapes.Make(dtypes.Float32, 4, 4)}
	evalCfg.LabelShapes = map[string]shapes.Shape{"label": shapes.Make(dtypes.Float32, 4, 2)}
	eval := New(evalCfg)

	// Parameter and auxiliary storage is aliased: updates through the training
	// group are visible through the evaluation group.
	require.Same(t, train.ParamBlock(0)[0], eval.ParamBlock(0)[0])
	require.Same(t, train.ParamBlock(1)[1], eval.ParamBlock(1)[1])
	train.ParamBlock(0)[0].(*tensors.Local).Fill(5)
	require.Equal(t, float32(5), flat32(eval.ParamBlock(0)[0])[0])
	require.Same(t, sym.Bound[0].Aux[0], evalSym.Bound[0].Aux[0])

	// Data storage is per-group (different batch sizes).
	require.Equal(t, 3, sym.Bound[0].Args[0].Shape().Batch())
	require.Equal(t, 2, evalSym.Bound[0].Args[0].Shape().Batch())

	// Sharing requires the same device set.
	badCfg := evalCfg
	badCfg.Symbol = testSymbol()
	badCfg.Devices = []devices.Device{devices.GPU(0)}
	require.Panics(t, func() { New(badCfg) })
}

// recordingMetric accumulates the (labels, outputs) pairs it was updated with.
type recordingMetric struct {
	labels  []map[string]tensors.Tensor
	outputs [][]tensors.Tensor
}

func (m *recordingMetric) Update(labels map[string]tensors.Tensor, outputs []tensors.Tensor) {
	m.labels = append(m.labels, labels)
	m.outputs = append(m.outputs, outputs)
}

func TestUpdateMetric(t *testing.T) {
	sym := testSymbol()
	g := New(testConfig(sym))
	g.Forward(ArrayProvider{}, testBatch())

	metric := &recordingMetric{}
	g.UpdateMetric(metric, ArrayProvider{}, testBatch())
	require.Len(t, metric.labels, 1)
	require.Contains(t, metric.labels[0], "label")
	require.Len(t, metric.outputs[0], 1)
	require.Equal(t, shapes.Make(dtypes.Float32, 6, 2), metric.outputs[0][0].Shape())
}
