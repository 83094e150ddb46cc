// Package netcache caches network weights downloaded from the server.
// Networks are content addressed: the ID is the hex sha256 of the weights,
// so a cached file can always be verified offline.
package netcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/traingrid/traingrid/internal/common/griderrors"
)

// downloadTimeout bounds a whole weights download. Weights files run to a
// few hundred megabytes, so this is far looser than the API call timeouts.
const downloadTimeout = 15 * time.Minute

type Cache struct {
	dir    string
	client *http.Client
}

func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	return &Cache{dir: dir, client: &http.Client{Timeout: downloadTimeout}}, nil
}

// Fetch returns the path of the network's weights file, downloading from url
// if it is not cached. Cached files are re-verified against the network ID
// before use; a corrupt file is deleted and fetched again once.
func (c *Cache) Fetch(ctx context.Context, networkID, url string) (string, error) {
	if err := validateID(networkID); err != nil {
		return "", err
	}
	path := filepath.Join(c.dir, networkID)

	if _, err := os.Stat(path); err == nil {
		verifyErr := c.verify(path, networkID)
		if verifyErr == nil {
			return path, nil
		}
		log.WithError(verifyErr).Warnf("cached network %s failed verification, refetching", networkID)
		if err := os.Remove(path); err != nil {
			return "", errors.WithStack(err)
		}
	}

	if err := c.download(ctx, networkID, url, path); err != nil {
		return "", err
	}
	if err := c.verify(path, networkID); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func (c *Cache) download(ctx context.Context, networkID, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.WithStack(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errors.WithStack(&griderrors.ErrNotFound{Type: "network", Value: networkID})
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("downloading network %s: unexpected status %d", networkID, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(c.dir, "."+networkID+"-*")
	if err != nil {
		return errors.WithStack(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return errors.WithStack(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.WithStack(err)
	}
	if err := tmp.Close(); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp.Name(), path))
}

func (c *Cache) verify(path, networkID string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return errors.WithStack(err)
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if sum != networkID {
		return errors.Errorf("network %s: weights hash to %s", networkID, sum)
	}
	return nil
}

func validateID(networkID string) error {
	if len(networkID) != sha256.Size*2 {
		return errors.WithStack(&griderrors.ErrInvalidArgument{
			Name:    "networkID",
			Value:   networkID,
			Message: fmt.Sprintf("expected %d hex characters", sha256.Size*2),
		})
	}
	if strings.ContainsAny(networkID, "/\\.") {
		return errors.WithStack(&griderrors.ErrInvalidArgument{
			Name:    "networkID",
			Value:   networkID,
			Message: "must not contain path characters",
		})
	}
	if _, err := hex.DecodeString(networkID); err != nil {
		return errors.WithStack(&griderrors.ErrInvalidArgument{
			Name:    "networkID",
			Value:   networkID,
			Message: "must be lowercase hex",
		})
	}
	return nil
}
