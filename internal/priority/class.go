package priority

import (
	"fmt"
	"strings"
)

// Class names the queue a command waits in. Classes are open: any non-empty
// name is valid and gets its own queue on first use.
type Class string

const (
	ClassUrgent   Class = "urgent"
	ClassSequence Class = "sequence"
	ClassRequest  Class = "request"
	ClassFree     Class = "free"
)

// DefaultOrder is the drain order used by ExecuteAll when none is given.
var DefaultOrder = []Class{ClassSequence, ClassUrgent, ClassRequest, ClassFree}

func (c Class) String() string { return string(c) }

// ParseClass normalizes a user-supplied class name.
func ParseClass(s string) (Class, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("priority: empty class name")
	}
	return Class(s), nil
}

// Command is implemented by values that want to be scheduled. Values that do
// not implement it are plain commands and run immediately.
type Command interface {
	PriorityClass() Class
}

// ClassOf reports the class of cmd. It returns false for plain commands and
// for commands that declare an empty class.
func ClassOf(cmd any) (Class, bool) {
	c, ok := cmd.(Command)
	if !ok || c == nil {
		return "", false
	}
	class := c.PriorityClass()
	if class == "" {
		return "", false
	}
	return class, true
}

// Embeddable base commands. A command type joins a reserved class by
// embedding one of these:
//
//	type SendWelcomeMail struct {
//		priority.Free
//		To string
//	}

// Urgent commands run before Intercept returns.
type Urgent struct{}

func (Urgent) PriorityClass() Class { return ClassUrgent }

// Sequence commands may be deferred, but no other command runs before they
// complete. Use it for writes whose result later commands depend on.
type Sequence struct{}

func (Sequence) PriorityClass() Class { return ClassSequence }

// Request commands may be postponed until after the response has been sent.
type Request struct{}

func (Request) PriorityClass() Class { return ClassRequest }

// Free commands may run whenever convenient, typically through a sink.
type Free struct{}

func (Free) PriorityClass() Class { return ClassFree }

// Classed places a command in an arbitrary class.
type Classed struct {
	Class Class
}

func (c Classed) PriorityClass() Class { return c.Class }

// InClass returns an embeddable Classed value for class.
func InClass(class Class) Classed { return Classed{Class: class} }
