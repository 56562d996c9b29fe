package redisstore

// All keys share the "trainctl:" prefix.
const keyPrefix = "trainctl:"

// jobKey is the Hash holding one job: trainctl:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// executionJobsKey is the Set of job ids of one execution.
func executionJobsKey(executionID string) string {
	return keyPrefix + "execution:" + executionID + ":jobs"
}

// stateKey is the Set of job ids in an unordered state
// (active, completed, failed, paused).
func stateKey(state string) string { return keyPrefix + "state:" + state }

const (
	// waitingKey is a Sorted Set scored by priority then age.
	waitingKey = keyPrefix + "waiting"
	// delayedKey is a Sorted Set scored by the unix millisecond the job is due.
	delayedKey = keyPrefix + "delayed"
	jobIDsKey  = keyPrefix + "job_ids"
	pausedKey  = keyPrefix + "paused"
)
