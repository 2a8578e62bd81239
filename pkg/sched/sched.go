// Package sched applies per-thread scheduling classes: policy, priority or
// nice value, and CPU affinity. Callers lock the goroutine to its OS thread
// first; every call affects the calling thread only.
package sched

import (
	"fmt"
	"strconv"
	"strings"
)

type Policy int

const (
	Other Policy = iota
	Batch
	Idle
	FIFO
	RR
)

var policyNames = map[Policy]string{Other: "other", Batch: "batch", Idle: "idle", FIFO: "fifo", RR: "rr"}

func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// RealTime reports whether p is a fixed-priority real-time policy.
func (p Policy) RealTime() bool { return p == FIFO || p == RR }

func ParsePolicy(s string) (Policy, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "sched_")
	for p, name := range policyNames {
		if s == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown scheduling policy %q", s)
}

func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Policy) UnmarshalText(b []byte) error {
	v, err := ParsePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Class is a scheduling class. Priority is the real-time priority (1-99)
// for fifo and rr, and the nice value (-20..19) otherwise. CPU < 0 leaves
// the affinity alone.
type Class struct {
	Policy   Policy
	Priority int
	CPU      int
}

func (c Class) String() string {
	s := c.Policy.String() + ":" + strconv.Itoa(c.Priority)
	if c.CPU >= 0 {
		s += "@" + strconv.Itoa(c.CPU)
	}
	return s
}

func (c Class) Validate() error {
	if c.Policy.RealTime() {
		if c.Priority < 1 || c.Priority > 99 {
			return fmt.Errorf("%s priority %d out of range 1-99", c.Policy, c.Priority)
		}
	} else if c.Priority < -20 || c.Priority > 19 {
		return fmt.Errorf("nice value %d out of range -20..19", c.Priority)
	}
	return nil
}

// ParseClass parses "policy[:priority][@cpu]", e.g. "rr:99@5" or "other:0".
func ParseClass(s string) (Class, error) {
	c := Class{CPU: -1}
	s = strings.TrimSpace(s)
	if at := strings.IndexByte(s, '@'); at >= 0 {
		cpu, err := strconv.Atoi(s[at+1:])
		if err != nil || cpu < 0 {
			return c, fmt.Errorf("bad cpu in scheduling class %q", s)
		}
		c.CPU = cpu
		s = s[:at]
	}
	name, prio, hasPrio := strings.Cut(s, ":")
	p, err := ParsePolicy(name)
	if err != nil {
		return c, err
	}
	c.Policy = p
	if hasPrio {
		if c.Priority, err = strconv.Atoi(prio); err != nil {
			return c, fmt.Errorf("bad priority in scheduling class %q", s)
		}
	} else if p.RealTime() {
		c.Priority = 1
	}
	return c, c.Validate()
}

func (c Class) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

func (c *Class) UnmarshalText(b []byte) error {
	v, err := ParseClass(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
