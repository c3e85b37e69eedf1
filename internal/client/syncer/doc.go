// Package syncer moves revisions between a briefcase and its repository.
//
// The Engine implements four building blocks and one combined operation:
//
//   - Pull queries the revisions that follow the briefcase's parent and
//     downloads their files, at most four at a time, reusing files the
//     prefetch cache already holds. Every file is checked against the
//     revision id, which is the digest of its content.
//   - Merge applies revisions to the briefcase in ascending index order and
//     stops at the first failure, reporting which revision failed.
//   - Push stages the pending local changes as a revision, creates the
//     remote object, uploads the file and initializes the revision. The
//     initialize request marks the file uploaded, releases the locks the
//     revision used and records its code usage in one atomic batch. When
//     the authority no longer knows a used lock or code, the engine
//     re-acquires exactly those and initializes once more. Any other
//     failure abandons the staged revision so the briefcase is unchanged.
//   - PullAndMerge chains the two.
//   - PullMergeAndPush runs PullAndMerge then Push under the retry policy:
//
//	Attempt(n) --ok--------------------------------> Done
//	Attempt(n) --contention, n < max--> Backoff(n+1) --sleep--> Attempt(n+1)
//	Attempt(n) --other error, or n == max----------> Failed(err)
//
// The first backoff is a random delay in a short window so competing
// clients spread out; later ones grow linearly up to a cap.
//
// The engine borrows the briefcase for the duration of a call and keeps no
// reference to it afterwards. Callers must not run two operations against
// the same briefcase at once.
package syncer
