package exec

import (
	"fmt"
	"os"
	"time"

	"github.com/hypershell/hypershell/internal/domain"
)

// buildEnv populates the child process's environment with the task
// metadata variables spec §6 enumerates, plus every operator export,
// layered over the client's own environment.
func buildEnv(task *domain.Task, command, workDir string, exports map[string]string) []string {
	env := os.Environ()

	set := func(k, v string) { env = append(env, k+"="+v) }

	set("TASK_ID", task.ID)
	set("TASK_ARGS", task.Args)
	set("TASK_COMMAND", command)
	set("TASK_SUBMIT_ID", task.SubmitID)
	set("TASK_SUBMIT_HOST", task.SubmitHost)
	set("TASK_SUBMIT_TIME", task.SubmitTime.Format(time.RFC3339Nano))
	set("TASK_CWD", workDir)
	set("TASK_ATTEMPT", fmt.Sprintf("%d", task.Attempt))

	if task.ServerID != nil {
		set("TASK_SERVER_ID", *task.ServerID)
	}
	if task.ServerHost != nil {
		set("TASK_SERVER_HOST", *task.ServerHost)
	}
	if task.ScheduleTime != nil {
		set("TASK_SCHEDULE_TIME", task.ScheduleTime.Format(time.RFC3339Nano))
	}
	if task.ClientID != nil {
		set("TASK_CLIENT_ID", *task.ClientID)
	}
	if task.ClientHost != nil {
		set("TASK_CLIENT_HOST", *task.ClientHost)
	}
	if task.PreviousID != nil {
		set("TASK_PREVIOUS_ID", *task.PreviousID)
	}

	start := time.Now()
	set("TASK_START_TIME", start.Format(time.RFC3339Nano))
	set("TASK_WAITED", task.Waited().String())

	if task.OutPath != nil {
		set("TASK_OUTPATH", *task.OutPath)
	}
	if task.ErrPath != nil {
		set("TASK_ERRPATH", *task.ErrPath)
	}

	for name, value := range exports {
		set(name, value)
	}

	return env
}
