package storage

import (
	"path"
	"sort"
)

// matchAccounts filters usernames by a shell-style wildcard pattern
// (`*`, `?`) and returns them sorted lexicographically. A malformed
// pattern matches nothing.
func matchAccounts(names []string, pattern string) []string {
	matched := make([]string, 0, len(names))
	for _, name := range names {
		ok, err := path.Match(pattern, name)
		if err != nil {
			return nil
		}
		if ok {
			matched = append(matched, name)
		}
	}
	sort.Strings(matched)
	return matched
}

// paginate slices a sorted match list. totalPages is ceil(len/pageSize),
// never below 1; an out-of-range page yields an empty slice. page and
// pageSize below 1 are clamped to 1 rather than trusted, so the store
// contract never panics on a caller that skipped validation.
func paginate(matched []string, page, pageSize int) (accounts []string, pageOut, totalPages int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}

	totalPages = 1
	if len(matched) > 0 {
		totalPages = (len(matched)-1)/pageSize + 1
	}

	start := (page - 1) * pageSize
	if start >= len(matched) {
		return []string{}, page, totalPages
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], page, totalPages
}
