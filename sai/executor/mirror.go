package executor

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	goexec "go.skia.org/sai/go/exec"
	"go.skia.org/sai/go/skerr"
)

// unsafePathChars matches every character a bare-mirror directory name
// can't safely contain, mirroring how artifact/event filenames are
// sanitized elsewhere in the system.
var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeMirrorKey derives a filesystem-safe directory name from a repo
// URL, e.g. "https://skia.googlesource.com/skia.git" ->
// "https---skia.googlesource.com-skia.git".
func SanitizeMirrorKey(repoURL string) string {
	return unsafePathChars.ReplaceAllString(repoURL, "-")
}

// MirrorCache is the shared bare-mirror cache directory
// (<home>/git-mirror/<sanitized-url>) reused across tasks for the same
// repo: the first task to touch a repo clones it bare, every later task
// for that repo only fetches.
type MirrorCache struct {
	root string

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewMirrorCache returns a MirrorCache rooted at <home>/git-mirror.
func NewMirrorCache(home string) *MirrorCache {
	return &MirrorCache{root: filepath.Join(home, "git-mirror"), locks: map[string]*sync.Mutex{}}
}

// lockFor returns the per-repo mutex serializing concurrent mirror updates
// for the same URL, creating it on first use.
func (c *MirrorCache) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// Dir returns the path of the bare mirror for repoURL, without ensuring it
// exists.
func (c *MirrorCache) Dir(repoURL string) string {
	return filepath.Join(c.root, SanitizeMirrorKey(repoURL))
}

// Ensure clones repoURL bare into the cache if it isn't present yet,
// otherwise fetches it up to date; both operations are serialized per repo
// so two tasks assigned the same repo in parallel don't race on the same
// git directory, satisfying the single-fetch-reuse invariant.
func (c *MirrorCache) Ensure(ctx context.Context, repoURL string) (string, error) {
	key := SanitizeMirrorKey(repoURL)
	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(c.root, key)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(c.root, 0755); err != nil {
			return "", skerr.Wrapf(err, "executor: creating mirror cache root")
		}
		if err := goexec.Run(ctx, &goexec.Command{
			Name: "git", Args: []string{"clone", "--mirror", repoURL, dir}, Timeout: MirrorCheckoutTimeout,
		}); err != nil {
			return "", skerr.Wrapf(err, "executor: cloning mirror for %s", repoURL)
		}
		return dir, nil
	} else if err != nil {
		return "", skerr.Wrapf(err, "executor: checking mirror dir for %s", repoURL)
	}

	if err := goexec.Run(ctx, &goexec.Command{
		Name: "git", Args: []string{"--git-dir", dir, "remote", "update", "--prune"}, Timeout: MirrorCheckoutTimeout,
	}); err != nil {
		return "", skerr.Wrapf(err, "executor: updating mirror for %s", repoURL)
	}
	return dir, nil
}
