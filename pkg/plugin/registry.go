package plugin

import (
	"fmt"
	"sort"

	"firestige.xyz/strix/internal/core"
)

type registry[T Plugin] struct {
	kind      string
	factories map[string]func() T
}

func newRegistry[T Plugin](kind string) *registry[T] {
	return &registry[T]{kind: kind, factories: make(map[string]func() T)}
}

func (r *registry[T]) register(name string, factory func() T) {
	if name == "" {
		panic(fmt.Sprintf("plugin: %s registered with empty name", r.kind))
	}
	if factory == nil {
		panic(fmt.Sprintf("plugin: %s %q registered with nil factory", r.kind, name))
	}
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("plugin: %s %q registered twice", r.kind, name))
	}
	r.factories[name] = factory
}

func (r *registry[T]) get(name string) (func() T, error) {
	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", r.kind, name, core.ErrPluginNotFound)
	}
	return factory, nil
}

func (r *registry[T]) list() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset drops all registrations. Only for tests.
func (r *registry[T]) Reset() {
	r.factories = make(map[string]func() T)
}

var (
	switchReg  = newRegistry[SwitchPlugin]("switch plugin")
	ingressReg = newRegistry[IngressPlugin]("ingress plugin")
	egressReg  = newRegistry[EgressPlugin]("egress plugin")
)

// RegisterSwitch registers a switch-wide plugin factory under name. It
// panics on an empty name, a nil factory, or a duplicate registration.
func RegisterSwitch(name string, factory func() SwitchPlugin) {
	switchReg.register(name, factory)
}

// GetSwitchFactory returns the switch plugin factory registered under name.
func GetSwitchFactory(name string) (func() SwitchPlugin, error) {
	return switchReg.get(name)
}

// ListSwitchPlugins returns the registered switch plugin names, sorted.
func ListSwitchPlugins() []string {
	return switchReg.list()
}

// RegisterIngress registers a port ingress plugin factory under name. It
// panics on an empty name, a nil factory, or a duplicate registration.
func RegisterIngress(name string, factory func() IngressPlugin) {
	ingressReg.register(name, factory)
}

// GetIngressFactory returns the ingress plugin factory registered under name.
func GetIngressFactory(name string) (func() IngressPlugin, error) {
	return ingressReg.get(name)
}

// ListIngressPlugins returns the registered ingress plugin names, sorted.
func ListIngressPlugins() []string {
	return ingressReg.list()
}

// RegisterEgress registers a port egress plugin factory under name. It
// panics on an empty name, a nil factory, or a duplicate registration.
func RegisterEgress(name string, factory func() EgressPlugin) {
	egressReg.register(name, factory)
}

// GetEgressFactory returns the egress plugin factory registered under name.
func GetEgressFactory(name string) (func() EgressPlugin, error) {
	return egressReg.get(name)
}

// ListEgressPlugins returns the registered egress plugin names, sorted.
func ListEgressPlugins() []string {
	return egressReg.list()
}
