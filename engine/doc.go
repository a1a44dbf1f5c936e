// Package engine executes plans: it validates and persists them, schedules
// their steps over a bounded pool of workers and applies retry and failure
// policies.
//
// # Scheduling
//
// Every started plan gets one scheduler goroutine. It owns the step-status
// table and is the only writer of it. Each iteration it
//
//   - promotes PENDING steps whose dependencies are COMPLETED or SKIPPED,
//   - dispatches READY steps in plan order while fewer than MaxConcurrency
//     steps are RUNNING,
//   - waits for the next worker outcome, a cancellation or a concurrency
//     change,
//   - re-derives the plan status and persists it.
//
// Workers call the tool invoker and retry failed attempts according to the
// RetryPolicy. Every attempt is recorded as a core.ToolExecution. The step
// stays RUNNING until the worker reports its final outcome.
//
// # Failure policies
//
// With core.SkipOnFailure every transitive dependent of a failed step is
// SKIPPED and independent branches continue. With core.AbortOnFailure the
// plan turns FAILED at once, nothing new is dispatched, and running steps
// either finish or, with Config.CancelInFlightOnAbort, are cancelled.
//
// # Parameter templates
//
// String parameters may reference earlier results with text/template
// syntax. They are rendered right before dispatch:
//
//	steps:
//	  - id: fetch
//	    tool: shell
//	    parameters: {command: "curl -s https://example.com/version"}
//	  - id: report
//	    depends_on: [fetch]
//	    tool: echo
//	    parameters: {message: "version is {{ .steps.fetch.result }}"}
//
// # Usage
//
//	e := engine.New(func(o *engine.Options) {
//	    o.Invoker = tool.NewInvoker(registry)
//	})
//	p, err := e.CreatePlan(ctx, req)
//	if err != nil {
//	    return err
//	}
//	if err := e.StartPlan(ctx, p.ID); err != nil {
//	    return err
//	}
//	final, err := e.Wait(ctx, p.ID)
package engine
