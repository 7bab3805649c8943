// Package scope is a structured-concurrency engine built on a single
// cooperative run-loop.
//
// Run starts a loop with a root task. Task bodies only ever run one at a
// time and switch at suspension points: Await, Sleep, Checkpoint, Wait,
// Group.Close and Blocking. Cancellation is a request honored at the next
// suspension point, never a preemption.
//
// Groups own the tasks spawned into them and are the join point: Close waits
// for every child, cancels the siblings of a failed child and reports every
// failure in one *GroupError. WithTimeout bounds a block of work and cancels
// whatever it spawned when the deadline passes. Blocking hands a call that
// may block a goroutine to a bounded worker pool and suspends the task until
// it returns.
//
//	err := scope.Run(ctx, func(ctx context.Context) error {
//		return scope.WithGroup(ctx, func(ctx context.Context, g *scope.Group) error {
//			for _, url := range urls {
//				g.Spawn(func(ctx context.Context) (any, error) {
//					return scope.Blocking(ctx, func(ctx context.Context) (any, error) {
//						return fetch(ctx, url)
//					})
//				})
//			}
//			return nil
//		})
//	})
package scope
