package shadowbuf

import "github.com/streamrelay/streamrelay/pkg/ringoffset"

// readJob is a pending Read/Match call that cannot yet be satisfied because
// fewer than min bytes are available past its starting offset. It is kept in
// a buffer's job queue, ordered by how soon it will be satisfied from the
// buffer's current offset, and woken (or cancelled) from Feed/MarkEOF.
type readJob struct {
	target uint32 // ring offset at which this job becomes satisfiable
	done   chan error
}

// insertJob inserts j into jobs, kept ordered by distance from origin to
// target, and returns the updated slice. The ordering is only evaluated at
// insertion time: as origin advances (monotonically, in lockstep with data
// arriving) the relative order of already-queued jobs never changes, since a
// job is always removed before origin passes its target.
func insertJob(jobs []*readJob, j *readJob, origin uint32) []*readJob {
	d := ringoffset.Delta(j.target, origin)
	i := 0
	for ; i < len(jobs); i++ {
		if ringoffset.Delta(jobs[i].target, origin) > d {
			break
		}
	}
	jobs = append(jobs, nil)
	copy(jobs[i+1:], jobs[i:])
	jobs[i] = j
	return jobs
}

// removeJob removes j from jobs if present, used when a caller's context is
// cancelled while still waiting.
func removeJob(jobs []*readJob, j *readJob) []*readJob {
	for i, other := range jobs {
		if other == j {
			return append(jobs[:i], jobs[i+1:]...)
		}
	}
	return jobs
}
