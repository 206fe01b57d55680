package runner

import (
	"errors"
	"fmt"

	"github.com/mattjoyce/tether/internal/spool"
	"github.com/mattjoyce/tether/internal/txstore"
)

// decide maps the evidence left by an exited wrapper to a final status.
// offsets are the stored end offsets after the last drain.
func decide(id string, dir spool.Dir, offsets map[txstore.Stream]int64) txstore.StatusUpdate {
	u := txstore.StatusUpdate{ID: id}

	art, err := dir.ReadArtifact()
	switch {
	case errors.Is(err, spool.ErrNoArtifact):
		u.Status = txstore.StatusUnknown
		u.Error = fmt.Sprintf("%v: process exited without a completion artifact", ErrLost)
		return u
	case err != nil:
		// A partial or corrupt artifact proves nothing about the result.
		u.Status = txstore.StatusUnknown
		u.Error = fmt.Sprintf("%v: %v", ErrLost, err)
		return u
	}

	if art.Error != "" {
		u.Status = txstore.StatusFailed
		u.Error = fmt.Sprintf("%v: %s", ErrSpawn, art.Error)
		return u
	}
	if err := checkOutput(dir, art, offsets); err != nil {
		u.Status = txstore.StatusFailed
		u.Error = fmt.Sprintf("output mismatch: %v", err)
		return u
	}
	if art.Signal != "" {
		u.Status = txstore.StatusFailed
		u.Signal = art.Signal
		u.Error = "terminated by " + art.Signal
		return u
	}

	code := art.ExitCode
	u.Status = txstore.StatusCompleted
	u.ExitCode = &code
	return u
}

func checkOutput(dir spool.Dir, art spool.Artifact, offsets map[txstore.Stream]int64) error {
	if err := dir.VerifyArtifact(art); err != nil {
		return err
	}
	for _, s := range txstore.Streams {
		if offsets[s] != art.Bytes(s) {
			return fmt.Errorf("%s stored %d bytes, action wrote %d", s, offsets[s], art.Bytes(s))
		}
	}
	return nil
}
