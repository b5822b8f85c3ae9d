// Package loadscheduler schedules resource loads and frame tasks the way a
// browser renderer does.
//
// A Frame owns two schedulers that share one main-thread runner:
//
//   - a ResourceLoadScheduler (package loader) that decides when each
//     resource request may start, based on its throttle option, priority,
//     the frame's lifecycle state and the loading milestones seen so far;
//   - a FrameScheduler (package frame) that hands out the frame's task
//     queues and throttles them with CPU time and wake-up budget pools
//     (package throttling).
//
// Everything a Frame owns is single-threaded. Tasks posted to the main
// thread runner execute one at a time, so the schedulers hold no locks.
// Code running on other goroutines reaches them with Frame.Do.
//
// # Quick Start
//
//	loadscheduler.InitGlobalThreadPool(4)
//	defer loadscheduler.ShutdownGlobalThreadPool()
//
//	runner := loadscheduler.CreateMainThreadRunner("main")
//	f, err := loadscheduler.NewFrame(runner, loadscheduler.FrameOptions{Name: "main"})
//	if err != nil {
//		return err
//	}
//	_ = f.Do(ctx, func() {
//		f.Loader().Request(client, loadscheduler.Throttleable, loadscheduler.PriorityLow, 0)
//	})
//
// Tests and the load simulator drive the same code deterministically with a
// core.VirtualTaskRunner and a fake clock.
package loadscheduler
