package tasks

// TaskSchedulerInterface is the part of the scheduler the application and
// the API use.
//
//	scheduler := NewScheduler(store, configCache, pool, opts)
//	scheduler.Start()
//	defer scheduler.Stop()
//	scheduler.EnqueueTask(NewUpdateFeedTask(url, updater))
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
	SyncConfigs() (int, error)
}
