//go:build linux && go1.23 && !go1.25

package threadctl

// builtinLayout is runtime.g without debug info: gobuf still has ret.
var builtinLayout = gLayout{stack: 0, sched: 56, status: 152, sp: 0, pc: 8, bp: 48}
