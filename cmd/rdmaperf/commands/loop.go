package commands

import (
	"fmt"
	"strings"

	"github.com/piwi3910/rdmaperf/internal/transport/control"
	"github.com/piwi3910/rdmaperf/internal/transport/rdma"
)

// loopSpec steps one request parameter from init to last. Each test runs
// once per value; several loops nest in the order given.
type loopSpec struct {
	name string
	init uint64
	last uint64
	incr uint64
	mult bool
}

// loopVars are the parameters a loop can step, keyed by report name.
var loopVars = map[string]func(req *control.Request, v uint32) error{
	"msg_size": func(req *control.Request, v uint32) error {
		req.MsgSize = v
		return nil
	},
	"mtu_size": func(req *control.Request, v uint32) error {
		_, err := rdma.ParseMTU(int(v))
		if err != nil {
			return err
		}

		req.MTUSize = v

		return nil
	},
	"no_msgs": func(req *control.Request, v uint32) error {
		req.NoMsgs = v
		return nil
	},
	"rd_atomic": func(req *control.Request, v uint32) error {
		req.RdAtomic = v
		return nil
	},
	"affinity": func(req *control.Request, v uint32) error {
		req.Affinity = v
		return nil
	},
	"sl":            setServiceLevel,
	"src_path_bits": setSrcPathBits,
}

// parseLoop reads name:init:last:incr. The name defaults to msg_size and
// init to 0, or 1 when a "*" increment multiplies.
func parseLoop(arg string) (loopSpec, error) {
	parts := strings.Split(arg, ":")
	if len(parts) > 4 {
		return loopSpec{}, fmt.Errorf("invalid --loop %q: want name:init:last:incr", arg)
	}

	part := func(i int) string {
		if i < len(parts) {
			return parts[i]
		}

		return ""
	}

	l := loopSpec{name: part(0)}
	if l.name == "" {
		l.name = "msg_size"
	}

	set, ok := loopVars[l.name]
	if !ok {
		return loopSpec{}, fmt.Errorf("invalid --loop %q: %s: no such variable", arg, l.name)
	}

	incr := part(3)
	if incr == "" {
		return loopSpec{}, fmt.Errorf("invalid --loop %q: must specify increment", arg)
	}

	if strings.HasPrefix(incr, "*") {
		l.mult = true
		incr = incr[1:]
	}

	n, err := parseSize("loop", incr)
	if err != nil {
		return loopSpec{}, err
	}

	l.incr = uint64(n)

	switch {
	case l.incr < 1:
		return loopSpec{}, fmt.Errorf("invalid --loop %q: increment must be positive", arg)
	case l.mult && l.incr < 2:
		return loopSpec{}, fmt.Errorf("invalid --loop %q: multiplier must be at least 2", arg)
	}

	if start := part(1); start != "" {
		n, err = parseSize("loop", start)
		if err != nil {
			return loopSpec{}, err
		}

		l.init = uint64(n)
	} else if l.mult {
		l.init = 1
	}

	if l.mult && l.init == 0 {
		return loopSpec{}, fmt.Errorf("invalid --loop %q: a multiplied loop cannot start at 0", arg)
	}

	last := part(2)
	if last == "" {
		return loopSpec{}, fmt.Errorf("invalid --loop %q: must specify limit", arg)
	}

	n, err = parseSize("loop", last)
	if err != nil {
		return loopSpec{}, err
	}

	l.last = uint64(n)

	var scratch control.Request

	for _, v := range l.values() {
		err = set(&scratch, v)
		if err != nil {
			return loopSpec{}, fmt.Errorf("invalid --loop %q: %w", arg, err)
		}
	}

	return l, nil
}

func parseLoops(args []string) ([]loopSpec, error) {
	loops := make([]loopSpec, 0, len(args))

	for _, arg := range args {
		l, err := parseLoop(arg)
		if err != nil {
			return nil, err
		}

		loops = append(loops, l)
	}

	return loops, nil
}

// values lists the steps from init up to and including last.
func (l loopSpec) values() []uint32 {
	var vs []uint32

	for v := l.init; v <= l.last; {
		vs = append(vs, uint32(v)) //nolint:gosec // G115: bounded by last, a parsed uint32

		if l.mult {
			v *= l.incr
		} else {
			v += l.incr
		}
	}

	return vs
}

// expandLoops calls fn with req once for every combination of loop values,
// outermost loop first.
func expandLoops(loops []loopSpec, req control.Request, fn func(control.Request) error) error {
	if len(loops) == 0 {
		return fn(req)
	}

	l := loops[0]
	set := loopVars[l.name]

	for _, v := range l.values() {
		next := req

		err := set(&next, v)
		if err != nil {
			return err
		}

		err = expandLoops(loops[1:], next, fn)
		if err != nil {
			return err
		}
	}

	return nil
}
