// Package engine binds a WASI language interpreter, run by wazero, to the
// worker runtime.
//
// # Overview
//
// An [Engine] is loaded once from a base URL and then evaluates any number
// of programs. Each evaluation instantiates a fresh module, so no state
// leaks between runs.
//
//	eng := engine.New(python.New())
//	defer eng.Close(ctx)
//
//	if err := eng.Load(ctx, "http://localhost:8080/engine/"); err != nil {
//	    var le *engine.LoadError
//	    if errors.As(err, &le) {
//	        log.Printf("load failed at %s: %+v", le.Diagnostics.Phase, le.Diagnostics)
//	    }
//	    return err
//	}
//
//	out, err := eng.Evaluate(ctx, `name = input("name? "); print("hi", name)`, engine.Handlers{
//	    Stdout: os.Stdout,
//	    Stderr: os.Stderr,
//	    Input: func(ctx context.Context, prompt string) (protocol.InputReply, error) {
//	        return protocol.Value("gopher"), nil
//	    },
//	})
//
// # Asset checks
//
// Static hosts frequently answer a missing path with 200 and an HTML
// fallback page. [Engine.Load] inspects the content type and the first bytes
// of the asset and reports a [LoadError] instead of handing HTML to the
// compiler.
//
// # Host protocol
//
// The interpreter and the binding talk over the module's standard streams.
// A program requesting input writes a marker on stderr and blocks reading
// one JSON line from stdin; see [Markers]. The marker prefixes carry a nonce
// drawn for each evaluation and handed to [Language.WrapCode]. All other
// stderr output, including lookalike markers with the wrong nonce, passes
// through unchanged.
package engine
