// Package synth turns resource descriptors into capability source code.
//
// # Overview
//
// A Synthesizer strips authentication from a descriptor, sends it as JSON to
// a Generator together with the fixed Instruction, and extracts the first
// fenced code block from the reply. A reply without a fence is used as is.
//
//	s := synth.New(generator, 60*time.Second, logger)
//	src, err := s.Synthesize(ctx, d)
//	// src.Code is handed to the loader
//
// Generator errors, timeouts and empty replies are reported as
// ErrSynthesisFailed. The generated code is untrusted; the loader decides
// what it may import.
package synth
