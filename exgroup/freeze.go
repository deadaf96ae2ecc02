package exgroup

import (
	"strings"

	"github.com/gomlx/parexec/graphs"
	"github.com/gomlx/parexec/types"
)

// FreezePolicy decides which parameters are frozen: excluded from gradient
// computation and from updates. Selected at group construction.
type FreezePolicy interface {
	// FrozenParams returns the set of frozen parameter names for the graph.
	FrozenParams(sym graphs.Symbol) types.Set[string]
}

// FixedNames is the explicit-list FreezePolicy: exactly the given names are
// frozen.
type FixedNames []string

// FrozenParams implements FreezePolicy.
func (f FixedNames) FrozenParams(_ graphs.Symbol) types.Set[string] {
	return types.SetWith(f...)
}

// AttrDerived is the attribute-scanning FreezePolicy, and the default: an
// attribute "<param>_grad" with value "freeze" on the graph marks <param> as
// frozen. See graphs.FreezeAttrSuffix and graphs.FreezeAttrValue.
type AttrDerived struct{}

// FrozenParams implements FreezePolicy.
func (AttrDerived) FrozenParams(sym graphs.Symbol) types.Set[string] {
	frozen := types.MakeSet[string]()
	for key, value := range sym.ListAttributes() {
		if value != graphs.FreezeAttrValue {
			continue
		}
		if base, found := strings.CutSuffix(key, graphs.FreezeAttrSuffix); found {
			frozen.Insert(base)
		}
	}
	return frozen
}

// planGradReq classifies every graph argument into a gradient requirement, and
// returns the positions in paramNames of the frozen parameters.
//
// Parameters get defaultReq, or GradReqNull when frozen. Data/label inputs get
// defaultReq only when inputsNeedGrad. Everything else gets GradReqNull.
//
// A name that is both a parameter and an input resolves as a parameter; the
// ordering is kept for compatibility with the systems this protocol comes from.
func planGradReq(argNames, paramNames []string, inputNames types.Set[string],
	inputsNeedGrad bool, frozen types.Set[string], defaultReq graphs.GradReq) (
	gradReq map[string]graphs.GradReq, freezeIdx types.Set[int]) {
	freezeIdx = types.MakeSet[int]()
	for idx, name := range paramNames {
		if frozen.Has(name) {
			freezeIdx.Insert(idx)
		}
	}
	paramSet := types.SetWith(paramNames...)
	gradReq = make(map[string]graphs.GradReq, len(argNames))
	for _, name := range argNames {
		switch {
		case paramSet.Has(name):
			if frozen.Has(name) {
				gradReq[name] = graphs.GradReqNull
			} else {
				gradReq[name] = defaultReq
			}
		case inputNames.Has(name):
			if inputsNeedGrad {
				gradReq[name] = defaultReq
			} else {
				gradReq[name] = graphs.GradReqNull
			}
		default:
			gradReq[name] = graphs.GradReqNull
		}
	}
	return
}
