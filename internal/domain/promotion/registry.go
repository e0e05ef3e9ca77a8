package promotion

import (
	"sort"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrUnknownOperation is returned for a condition or action code missing
// from the registry.
var ErrUnknownOperation = errors.New("unknown promotion operation")

// Target declares what an action discounts.
type Target string

const (
	TargetOrder    Target = "order"
	TargetLine     Target = "line"
	TargetShipping Target = "shipping"
)

// ConditionDef is a pure predicate over the cart.
type ConditionDef struct {
	Code        string
	Description string
	Args        []ArgDef
	Check       func(cart *Cart, args Args) (bool, error)
}

// ActionDef computes a discount. Exactly one Execute func matching Target is
// set. Returned amounts are net; the engine clamps them to what is left.
type ActionDef struct {
	Code        string
	Description string
	Target      Target
	Args        []ArgDef

	ExecuteLine     func(ac *ActionContext, line CartLine, args Args) (amount decimal.Decimal, units int, err error)
	ExecuteOrder    func(ac *ActionContext, args Args) (decimal.Decimal, error)
	ExecuteShipping func(ac *ActionContext, shipping CartShipping, args Args) (decimal.Decimal, error)
}

// Registry maps operation codes to their definitions.
type Registry struct {
	conditions map[string]ConditionDef
	actions    map[string]ActionDef
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conditions: make(map[string]ConditionDef),
		actions:    make(map[string]ActionDef),
	}
}

// DefaultRegistry returns a registry with all built-in conditions and actions.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, c := range builtinConditions() {
		r.RegisterCondition(c)
	}
	for _, a := range builtinActions() {
		r.RegisterAction(a)
	}
	return r
}

// RegisterCondition adds or replaces a condition.
func (r *Registry) RegisterCondition(def ConditionDef) {
	r.conditions[def.Code] = def
}

// RegisterAction adds or replaces an action.
func (r *Registry) RegisterAction(def ActionDef) {
	r.actions[def.Code] = def
}

// Condition looks up a condition by code.
func (r *Registry) Condition(code string) (ConditionDef, bool) {
	def, ok := r.conditions[code]
	return def, ok
}

// Action looks up an action by code.
func (r *Registry) Action(code string) (ActionDef, bool) {
	def, ok := r.actions[code]
	return def, ok
}

// ConditionCodes lists registered condition codes, sorted.
func (r *Registry) ConditionCodes() []string {
	codes := make([]string, 0, len(r.conditions))
	for c := range r.conditions {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// ActionCodes lists registered action codes, sorted.
func (r *Registry) ActionCodes() []string {
	codes := make([]string, 0, len(r.actions))
	for c := range r.actions {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Validate checks that every operation of p is registered and that its
// arguments match the declared schema.
func (r *Registry) Validate(p Promotion) error {
	if len(p.Actions) == 0 {
		return errors.Errorf("promotion %q has no actions", p.Name)
	}
	for _, op := range p.Conditions {
		def, ok := r.conditions[op.Code]
		if !ok {
			return errors.Wrapf(ErrUnknownOperation, "condition %q", op.Code)
		}
		if err := checkArgs(def.Args, op.Args); err != nil {
			return errors.Wrapf(err, "condition %q", op.Code)
		}
	}
	for _, op := range p.Actions {
		def, ok := r.actions[op.Code]
		if !ok {
			return errors.Wrapf(ErrUnknownOperation, "action %q", op.Code)
		}
		if err := checkArgs(def.Args, op.Args); err != nil {
			return errors.Wrapf(err, "action %q", op.Code)
		}
	}
	return nil
}

func checkArgs(defs []ArgDef, args Args) error {
	known := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		known[def.Name] = struct{}{}
		if err := args.check(def); err != nil {
			return err
		}
	}
	for _, a := range args {
		if _, ok := known[a.Name]; !ok {
			return errors.Wrapf(ErrInvalidArgument, "unexpected argument %q", a.Name)
		}
	}
	return nil
}
