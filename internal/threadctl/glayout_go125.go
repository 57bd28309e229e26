//go:build linux && go1.25 && !go1.27

package threadctl

// builtinLayout is runtime.g without debug info: gobuf lost ret.
var builtinLayout = gLayout{stack: 0, sched: 56, status: 144, sp: 0, pc: 8, bp: 40}
