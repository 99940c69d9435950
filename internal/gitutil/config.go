// SPDX-License-Identifier: Apache-2.0

package gitutil

// SetConfig sets a local Git config key to value.
func (r *Repository) SetConfig(key, value string) error {
	_, err := r.executor("config", "--local", key, value).executeString()
	return err
}

// GetConfig reads a local Git config key, returning "" if it is unset.
func (r *Repository) GetConfig(key string) string {
	value, err := r.executor("config", "--local", "--get", key).executeString()
	if err != nil {
		return ""
	}
	return value
}
