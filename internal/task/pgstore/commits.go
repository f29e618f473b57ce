package pgstore

import (
	"encoding/json"

	"github.com/relaydesk/taskcore/internal/task"
)

// commitsJSON serializes the side-effect evidence list as the
// {sha, message} object array the schema note in the spec requires.
func commitsJSON(commits []task.CommitRef) []byte {
	if commits == nil {
		commits = []task.CommitRef{}
	}
	encoded, err := json.Marshal(commits)
	if err != nil {
		return []byte("[]")
	}
	return encoded
}

func decodeCommits(raw []byte) []task.CommitRef {
	if len(raw) == 0 {
		return nil
	}
	var commits []task.CommitRef
	if err := json.Unmarshal(raw, &commits); err != nil {
		return nil
	}
	return commits
}
