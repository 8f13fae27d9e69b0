// Package automation fires actions when a trigger matches.
//
// An automation pairs one trigger with an ordered list of actions. Three
// trigger kinds exist:
//
//   - schedule: a cron expression (optional seconds field, descriptors
//     such as @daily) evaluated in the configured timezone
//   - event: a router topic pattern plus equality checks on envelope
//     fields
//   - manual: fired only through RunAutomation
//
// Actions either activate a scene or dispatch one assignment to a target.
// They run in list order, so a later action overrides an earlier one for
// the same device.
//
// # Scheduling
//
// Each enabled schedule keeps its next fire instant. Tick fires every
// schedule whose instant has been reached exactly once and then advances
// it to the first instant after now. Missed instants are not replayed.
//
// # Events
//
// Event handlers run on the router's publishing goroutine. They only
// queue the run; Run executes queued runs on its own goroutine so an
// action that publishes (a scene activation, for instance) never
// re-enters the publisher.
//
// # Usage
//
//	engine := automation.NewEngine(scenes, dispatcher, router)
//	engine.SetLogger(log)
//	engine.SetLocation(loc)
//
//	if err := engine.Load(defs.Automations); err != nil {
//	    return err
//	}
//	go engine.Run(ctx)
//
//	report, err := engine.RunAutomation(ctx, "lights-out")
package automation
