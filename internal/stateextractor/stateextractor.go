// Package stateextractor implements the State Extractor (C7): extracting
// cookies (via CDP), localStorage/sessionStorage/IndexedDB (via per-page
// evaluation), and offline profile inspection, merging per-origin with
// live values preferred (§4.7).
//
// Cookie extraction is grounded on the teacher's internal/session/
// session.go GetCookies/internal/browser/stealth.go GetCookies
// (page.Cookies(nil) via proto). Offline profile-directory inspection uses
// stdlib os/filepath/encoding-json — justified in SPEC_FULL.md: no pack
// library wraps Chromium's on-disk profile storage format, and the
// contract here only requires locating well-known subpaths, not parsing
// LevelDB/SQLite.
package stateextractor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"github.com/arintra/browserd/internal/runtimeerr"
)

// PersistedState is the JSON document shape from §6 "Persisted state
// layout".
type PersistedState struct {
	Cookies        []proto.NetworkCookie         `json:"cookies"`
	LocalStorage   map[string]map[string]string  `json:"localStorage"`
	SessionStorage map[string]map[string]string  `json:"sessionStorage"`
	IndexedDB      map[string][]string           `json:"indexedDB"`
}

// wellKnownSubpaths are the profile-directory locations inspected for
// offline storage evidence (existence/origin enumeration only; LevelDB
// contents are not parsed).
var wellKnownSubpaths = []string{
	filepath.Join("Default", "Local Storage", "leveldb"),
	filepath.Join("Default", "Session Storage"),
	filepath.Join("Default", "IndexedDB"),
}

// Extractor implements getBrowserState (§4.7).
type Extractor struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Extractor {
	return &Extractor{log: log.With().Str("component", "state_extractor").Logger()}
}

// Extract requires a live primary page and a userDataDir; if userDataDir is
// empty it returns an empty state with a WARN, per §4.7. primaryPage is used
// for cookie retrieval (page.Cookies(nil) covers all cookies visible to the
// browser context, matching the teacher's Session.GetCookies).
func (e *Extractor) Extract(primaryPage *rod.Page, pages []*rod.Page, userDataDir string) (*PersistedState, error) {
	if userDataDir == "" {
		e.log.Warn().Msg("getBrowserState called without a userDataDir; returning empty state")
		return &PersistedState{
			LocalStorage:   map[string]map[string]string{},
			SessionStorage: map[string]map[string]string{},
			IndexedDB:      map[string][]string{},
		}, nil
	}
	if primaryPage == nil {
		return nil, runtimeerr.New(runtimeerr.KindBrowserNotInit, "getBrowserState", false, fmt.Errorf("no live browser"))
	}

	var (
		wg             sync.WaitGroup
		cookies        []proto.NetworkCookie
		cookiesErr     error
		offlineOrigins map[string][]string
		liveLocal      = map[string]map[string]string{}
		liveSession    = map[string]map[string]string{}
		liveIndexedDB  = map[string][]string{}
		mu             sync.Mutex
	)

	wg.Add(3)

	go func() {
		defer wg.Done()
		result, err := primaryPage.Cookies(nil)
		if err != nil {
			cookiesErr = err
			return
		}
		for _, c := range result {
			cookies = append(cookies, *c)
		}
	}()

	go func() {
		defer wg.Done()
		offlineOrigins = inspectProfileDirectory(userDataDir)
	}()

	go func() {
		defer wg.Done()
		for _, page := range pages {
			info, err := page.Info()
			if err != nil || info == nil {
				continue
			}
			if !strings.HasPrefix(info.URL, "http://") && !strings.HasPrefix(info.URL, "https://") {
				continue
			}
			origin := originOf(info.URL)

			local, session, dbs, err := dumpPageStorage(page)
			if err != nil {
				e.log.Debug().Str("origin", origin).Err(err).Msg("storage dump failed for page")
				continue
			}
			mu.Lock()
			liveLocal[origin] = local
			liveSession[origin] = session
			liveIndexedDB[origin] = dbs
			mu.Unlock()
		}
	}()

	wg.Wait()

	if cookiesErr != nil {
		e.log.Warn().Err(cookiesErr).Msg("failed to extract cookies")
	}

	state := &PersistedState{
		Cookies:        cookies,
		LocalStorage:   mergeOriginMaps(offlineToLocal(offlineOrigins), liveLocal),
		SessionStorage: mergeOriginMaps(nil, liveSession),
		IndexedDB:      liveIndexedDB,
	}
	return state, nil
}

// mergeOriginMaps unions keys per origin; on conflict the live-page value
// (b) wins over the on-disk value (a), per §4.7.
func mergeOriginMaps(a, b map[string]map[string]string) map[string]map[string]string {
	out := map[string]map[string]string{}
	for origin, kv := range a {
		merged := map[string]string{}
		for k, v := range kv {
			merged[k] = v
		}
		out[origin] = merged
	}
	for origin, kv := range b {
		merged, ok := out[origin]
		if !ok {
			merged = map[string]string{}
			out[origin] = merged
		}
		for k, v := range kv {
			merged[k] = v
		}
	}
	return out
}

// offlineToLocal is a placeholder mapping: offline inspection only proves
// existence of per-origin storage directories (see inspectProfileDirectory),
// not key/value contents, since that would require a LevelDB reader.
func offlineToLocal(origins map[string][]string) map[string]map[string]string {
	out := map[string]map[string]string{}
	for origin := range origins {
		out[origin] = map[string]string{}
	}
	return out
}

func inspectProfileDirectory(userDataDir string) map[string][]string {
	origins := map[string][]string{}
	for _, sub := range wellKnownSubpaths {
		dir := filepath.Join(userDataDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			origin := leveldbFilenameToOrigin(name)
			if origin == "" {
				continue
			}
			origins[origin] = append(origins[origin], sub)
		}
	}
	return origins
}

// leveldbFilenameToOrigin extracts an origin from Chromium's
// "https_example.com_0.localstorage"-style on-disk naming, when present.
func leveldbFilenameToOrigin(name string) string {
	if !strings.Contains(name, "_") {
		return ""
	}
	parts := strings.SplitN(name, "_", 2)
	if len(parts) != 2 {
		return ""
	}
	scheme := parts[0]
	if scheme != "http" && scheme != "https" {
		return ""
	}
	rest := strings.TrimSuffix(parts[1], filepath.Ext(parts[1]))
	return scheme + "://" + strings.TrimSuffix(rest, "_0")
}

func originOf(pageURL string) string {
	idx := strings.Index(pageURL[len("https://"):], "/")
	// crude origin extraction good enough for the merge key; falls back to
	// the full URL if parsing is ambiguous.
	if strings.HasPrefix(pageURL, "https://") {
		if idx == -1 {
			return pageURL
		}
		return pageURL[:len("https://")+idx]
	}
	if strings.HasPrefix(pageURL, "http://") {
		rest := pageURL[len("http://"):]
		i := strings.Index(rest, "/")
		if i == -1 {
			return pageURL
		}
		return pageURL[:len("http://")+i]
	}
	return pageURL
}

const storageDumpScript = `() => {
  const out = { localStorage: {}, sessionStorage: {}, indexedDB: [] };
  try {
    for (let i = 0; i < localStorage.length; i++) {
      const k = localStorage.key(i);
      out.localStorage[k] = localStorage.getItem(k);
    }
  } catch (e) {}
  try {
    for (let i = 0; i < sessionStorage.length; i++) {
      const k = sessionStorage.key(i);
      out.sessionStorage[k] = sessionStorage.getItem(k);
    }
  } catch (e) {}
  try {
    if (indexedDB && indexedDB.databases) {
      return indexedDB.databases().then((dbs) => {
        out.indexedDB = dbs.map((d) => d.name);
        return JSON.stringify(out);
      });
    }
  } catch (e) {}
  return JSON.stringify(out);
}`

type pageStorageDump struct {
	LocalStorage   map[string]string `json:"localStorage"`
	SessionStorage map[string]string `json:"sessionStorage"`
	IndexedDB      []string          `json:"indexedDB"`
}

func dumpPageStorage(page *rod.Page) (map[string]string, map[string]string, []string, error) {
	res, err := page.Eval(storageDumpScript)
	if err != nil {
		return nil, nil, nil, err
	}

	var dump pageStorageDump
	raw := res.Value.Str()
	if raw == "" {
		return map[string]string{}, map[string]string{}, nil, nil
	}
	if err := json.Unmarshal([]byte(raw), &dump); err != nil {
		return nil, nil, nil, fmt.Errorf("unmarshal storage dump: %w", err)
	}
	return dump.LocalStorage, dump.SessionStorage, dump.IndexedDB, nil
}
