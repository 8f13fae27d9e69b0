// Package scene holds the declarative scene set and the single active
// scene flag.
//
// A scene is an ordered list of bindings, each pairing a target with a
// content assignment. Activating a scene resolves every binding against
// one registry snapshot, folds them into one assignment per device (later
// bindings override earlier ones) and dispatches the result as a single
// batch. At most one scene is active at any instant; the flag is swapped
// under the engine mutex and persisted so it survives restarts.
//
// Re-activating the active scene is not an error: the batch is
// dispatched again and the Activation is marked as a redispatch.
//
// Usage:
//
//	engine := scene.NewEngine(dispatcher, router, store)
//	if err := engine.Load(defs.Scenes); err != nil {
//	    return err
//	}
//	act, err := engine.Activate(ctx, "night-mode", "api")
package scene
