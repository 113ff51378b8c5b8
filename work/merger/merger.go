package merger

import (
	"tvwall-proxy/work/checker"
	"tvwall-proxy/work/lists"
)

// Merge folds checked candidates into one existing catalog list and
// returns the new list. Pure function: no I/O, no clock, deterministic
// for identical inputs. Precedence, highest first:
//
//  1. a URL on the exclude list never appears, even with a playable
//     verdict;
//  2. a URL already present and on the protect list is retained whatever
//     its verdict, or if it was not re-checked this run;
//  3. a playable, non-excluded candidate is admitted (appended in
//     candidate order if absent);
//  4. a not-playable, unprotected URL that was present is removed.
//
// URLs present in the existing list but absent from this run's verdicts
// are retained: no probe means no evidence for removal.
func Merge(existing, candidates []string, verdicts map[string]checker.Verdict, exclude, protect []string) []string {
	excluded := lists.Contains(exclude)
	protected := lists.Contains(protect)

	out := make([]string, 0, len(existing)+len(candidates))
	member := make(map[string]struct{}, len(existing)+len(candidates))

	admit := func(u string) {
		if _, ok := member[u]; ok {
			return
		}
		member[u] = struct{}{}
		out = append(out, u)
	}

	// retained portion of the existing list, original order kept
	for _, u := range existing {
		if _, ok := excluded[u]; ok {
			continue
		}
		if _, ok := protected[u]; ok {
			admit(u)
			continue
		}
		if v, checked := verdicts[u]; checked && !v.Playable {
			continue
		}
		admit(u)
	}

	// newly admitted candidates, candidate order kept
	for _, u := range candidates {
		if _, ok := excluded[u]; ok {
			continue
		}
		if v, checked := verdicts[u]; checked && v.Playable {
			admit(u)
		}
	}

	return out
}

// Prune removes from an existing list every URL with a not-playable
// verdict, keeping protected and unprobed URLs. Used by the recheck stage
// where no new candidates are admitted.
func Prune(existing []string, verdicts map[string]checker.Verdict, protect []string) []string {
	return Merge(existing, nil, verdicts, nil, protect)
}
