package filter

import (
	"fmt"

	"github.com/xuperchain/teeworker/kernel/engines/teeworker/common"
	"github.com/xuperchain/teeworker/kernel/engines/teeworker/top"
)

// 配置中可用的策略名
const (
	PolicyAll      = "all"
	PolicyIndirect = "indirect"
	PolicyDeny     = "deny"
	PolicyDirect   = "direct"
	PolicyGetter   = "getter"
)

// Filter 准入过滤器，Admit必须是无副作用的纯函数
type Filter = common.OperationFilter

// Func adapts a plain function to a Filter
type Func func(op *top.Operation) bool

func (f Func) Admit(op *top.Operation) bool {
	return f(op)
}

type allowAll struct{}

func (allowAll) Admit(op *top.Operation) bool { return op != nil }

type denyAll struct{}

func (denyAll) Admit(*top.Operation) bool { return false }

type kindFilter struct {
	kind top.OperationKind
}

func (t kindFilter) Admit(op *top.Operation) bool {
	return op != nil && op.Kind == t.kind
}

var (
	AllowAll          Filter = allowAll{}
	DenyAll           Filter = denyAll{}
	IndirectCallsOnly Filter = kindFilter{kind: top.KindIndirectCall}
	DirectCallsOnly   Filter = kindFilter{kind: top.KindDirectCall}
	GettersOnly       Filter = kindFilter{kind: top.KindGetter}
)

type and []Filter

func (t and) Admit(op *top.Operation) bool {
	for _, f := range t {
		if !f.Admit(op) {
			return false
		}
	}
	return true
}

type or []Filter

func (t or) Admit(op *top.Operation) bool {
	for _, f := range t {
		if f.Admit(op) {
			return true
		}
	}
	return false
}

type not struct {
	inner Filter
}

func (t not) Admit(op *top.Operation) bool {
	return op != nil && !t.inner.Admit(op)
}

// And admits only if every filter admits. And() admits everything
func And(filters ...Filter) Filter {
	return and(filters)
}

// Or admits if any filter admits. Or() admits nothing
func Or(filters ...Filter) Filter {
	return or(filters)
}

func Not(f Filter) Filter {
	return not{inner: f}
}

// FromPolicy 根据配置项构造过滤器，空串视为all
func FromPolicy(name string) (Filter, error) {
	switch name {
	case "", PolicyAll:
		return AllowAll, nil
	case PolicyIndirect:
		return IndirectCallsOnly, nil
	case PolicyDeny:
		return DenyAll, nil
	case PolicyDirect:
		return DirectCallsOnly, nil
	case PolicyGetter:
		return GettersOnly, nil
	}
	return nil, fmt.Errorf("unknown filter policy: %s", name)
}
