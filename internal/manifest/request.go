package manifest

import (
	"sort"
	"strconv"
	"strings"

	"github.com/distantorigin/mod-updater/internal/moddesc"
)

// Request is the batched update check body
type Request struct {
	Classic  []int            `json:"classic"`
	ModMaker []int            `json:"modmaker"`
	Nexus    map[string][]int `json:"nexus"`
}

// Empty reports whether the request asks about no mod at all.
func (r *Request) Empty() bool {
	return len(r.Classic) == 0 && len(r.ModMaker) == 0 && len(r.Nexus) == 0
}

var gameNumbers = map[string]int{
	"me1": 1,
	"me2": 2,
	"me3": 3,
	"le1": 4,
	"le2": 5,
	"le3": 6,
}

// GameNumber maps a mod's game name to the catalog's numeric game id, 0 if unknown.
func GameNumber(game string) int {
	return gameNumbers[strings.ToLower(strings.TrimSpace(game))]
}

// BuildRequest collects the identifiers of mods into one request. Each mod
// is asked about under a single scheme: ModMaker id first, then classic
// update code, then catalog id when the mod opts into catalog checks.
// Identifiers are de-duplicated and sorted.
func BuildRequest(mods []*moddesc.Mod) *Request {
	classic := make(map[int]struct{})
	modmaker := make(map[int]struct{})
	nexus := make(map[int]map[int]struct{})

	for _, m := range mods {
		switch {
		case m.ModMakerID > 0:
			modmaker[m.ModMakerID] = struct{}{}
		case m.ClassicUpdateCode > 0:
			classic[m.ClassicUpdateCode] = struct{}{}
		case m.NexusCode > 0 && m.NexusUpdateCheck:
			game := GameNumber(m.Game)
			if game == 0 {
				continue
			}
			if nexus[game] == nil {
				nexus[game] = make(map[int]struct{})
			}
			nexus[game][m.NexusCode] = struct{}{}
		}
	}

	req := &Request{
		Classic:  sortedKeys(classic),
		ModMaker: sortedKeys(modmaker),
		Nexus:    make(map[string][]int, len(nexus)),
	}
	for game, ids := range nexus {
		req.Nexus[strconv.Itoa(game)] = sortedKeys(ids)
	}
	return req
}

func sortedKeys(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}
