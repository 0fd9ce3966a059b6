/*
Package storage manages the on-disk layout of a conversion job.

# Layout

Under the configured data directory:

	uploads/    staged inputs, named {jobID}{original extension}
	converted/  results, named {jobID}.webm

Because every file name embeds the job id, concurrent jobs never contend
for a path and no file locking is needed.

# Network mounts

The data directory is often an NFS mount. Stat, open and remove operations
retry with exponential backoff on ESTALE (stale file handle) errors; every
other error fails immediately. Defaults: 3 retries, 50ms initial backoff,
500ms cap.

# Usage

	store, err := storage.New("/data")
	if err != nil {
	    return err
	}
	input, size, err := store.Stage(jobID, "holiday.mp4", upload)
	...
	defer store.Remove(input)
*/
package storage
