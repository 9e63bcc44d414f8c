// Package kobject defines the tagged-sum kernel object referenced by
// handle table entries, grounded on original_source/object/src/object/mod.rs's
// KernelObject trait and on the teacher's Fd_t.Fops interface-dispatch
// idiom (biscuit/src/fd/fd.go).
package kobject

import "fmt"

// Kind identifies which concrete kernel object a handle refers to.
type Kind uint8

const (
	KindVmo Kind = iota
	KindVmar
	KindChannel
	KindProcess
	KindThread
)

func (k Kind) String() string {
	switch k {
	case KindVmo:
		return "vmo"
	case KindVmar:
		return "vmar"
	case KindChannel:
		return "channel"
	case KindProcess:
		return "process"
	case KindThread:
		return "thread"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Object is implemented by every kernel object type that can be
// referenced through a handle. The concrete objects (*vmo.Vmo,
// *vmar.Vmar, *ipc.Endpoint, *proc.Process, *proc.Thread) implement
// Kind directly and are stored in handle tables as they are.
type Object interface {
	Kind() Kind
}
