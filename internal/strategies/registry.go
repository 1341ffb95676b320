package strategies

import (
	"fmt"
	"sort"

	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

// Strategy is a rule set together with its tunable parameters
type Strategy interface {
	backtest.Rules
	Space() backtest.ParameterSpace
	Defaults() backtest.ParameterSet
}

// NameRSI2Pullback is the registry name of RSI2Pullback
const NameRSI2Pullback = "rsi2_pullback"

var registry = map[string]func(Ablation) Strategy{
	NameRSI2Pullback: func(a Ablation) Strategy { return NewRSI2Pullback(a) },
}

// Lookup returns the named strategy with the given components disabled
func Lookup(name string, a Ablation) (Strategy, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy: %s (valid: %v)", name, Names())
	}
	return ctor(a), nil
}

// Names lists the registered strategies in sorted order
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
