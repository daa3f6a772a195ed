// Package pynode runs Python programs in a WebAssembly interpreter with
// interactive input, the way an in-browser code sandbox does.
//
// # Overview
//
// A program runs inside a worker runtime that owns one interpreter. The
// worker talks to a session controller only through messages (see
// [protocol]), so it can live on goroutines of the same process or in a
// child process. When the program calls input(), the worker asks the
// controller for a line and blocks that run until the answer arrives.
// Stopping a run destroys its worker and starts a fresh one.
//
// # Basic Usage
//
//	factory := session.InProcess(func() (worker.Evaluator, error) {
//	    return engine.New(python.New()), nil
//	})
//	ctrl := session.New(factory, session.Options{
//	    EngineBaseURL: "https://example.com/engine/",
//	})
//	defer ctrl.Close()
//
//	ctrl.Subscribe(func(ev session.Event) {
//	    if ev.Message != nil && ev.Message.Type == protocol.TypeRequestInput {
//	        ctrl.SubmitInputValue(ev.Message.InputID, protocol.Value("Ada"))
//	    }
//	})
//	ctrl.Start()
//	// once the phase is ready:
//	ctrl.SubmitRun(`print("hi", input("name? "))`, "")
//
// # Engine Assets
//
// The interpreter is loaded from EngineBaseURL, which may be an http(s)
// URL, a file URL or a directory. A static host that answers a missing
// asset with its HTML index page is detected and reported with
// diagnostics instead of a compile error.
//
// See the [engine], [worker], [session] and [language/python] packages for
// detailed API documentation, and cmd/pynode for the command line tool and
// HTTP server.
package pynode
