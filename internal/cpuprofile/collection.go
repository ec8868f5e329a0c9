package cpuprofile

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/vm-profiler/internal/interner"
	"github.com/vm-profiler/internal/tokens"
)

// MaxSimultaneousProfiles caps the number of profiles recording at once.
const MaxSimultaneousProfiles = 100

const argsCountPrefix = "args_count: "

// CpuProfilesCollection owns the active profiles, the finalized ones and
// their per-token filtered views, and every CodeEntry created for them.
type CpuProfilesCollection struct {
	names *interner.Storage

	// currentSem serializes starting, stopping and sample ingestion.
	currentSem      *semaphore.Weighted
	currentProfiles []*CpuProfile
	maxSimultaneous int

	mu sync.RWMutex
	// profilesByToken[0] is the unabridged list. The list for token t lives
	// at t+1 and is padded with nils up to the unabridged length.
	profilesByToken  [][]*CpuProfile
	profilesUIDs     map[uint32]int
	detachedProfiles []*CpuProfile

	entriesMu   sync.Mutex
	codeEntries []*CodeEntry
}

// CollectionOption configures a CpuProfilesCollection.
type CollectionOption func(*CpuProfilesCollection)

// WithMaxSimultaneousProfiles overrides MaxSimultaneousProfiles.
func WithMaxSimultaneousProfiles(n int) CollectionOption {
	return func(c *CpuProfilesCollection) {
		if n > 0 {
			c.maxSimultaneous = n
		}
	}
}

// NewCpuProfilesCollection creates an empty collection.
func NewCpuProfilesCollection(names *interner.Storage, opts ...CollectionOption) *CpuProfilesCollection {
	if names == nil {
		names = interner.New()
	}
	c := &CpuProfilesCollection{
		names:           names,
		currentSem:      semaphore.NewWeighted(1),
		maxSimultaneous: MaxSimultaneousProfiles,
		profilesByToken: [][]*CpuProfile{nil},
		profilesUIDs:    make(map[uint32]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Names returns the interner used for entry names.
func (c *CpuProfilesCollection) Names() *interner.Storage {
	return c.names
}

func (c *CpuProfilesCollection) lockCurrent() {
	// Acquire only fails on a cancelled context.
	_ = c.currentSem.Acquire(context.Background(), 1)
}

func (c *CpuProfilesCollection) unlockCurrent() {
	c.currentSem.Release(1)
}

// StartProfiling begins recording a new profile. It returns false when the
// cap is reached or a profile with the same title is already recording.
func (c *CpuProfilesCollection) StartProfiling(title string, uid uint32) bool {
	title = c.names.GetCopy(title)
	c.lockCurrent()
	defer c.unlockCurrent()
	if len(c.currentProfiles) >= c.maxSimultaneous {
		return false
	}
	for _, p := range c.currentProfiles {
		if p.title == title {
			return false
		}
	}
	c.currentProfiles = append(c.currentProfiles, NewCpuProfile(title, uid))
	return true
}

// StopProfiling finalizes the most recently started profile with the given
// title, or the most recent one if title is empty. It returns the view of the
// profile for securityTokenID, or nil if nothing matched.
func (c *CpuProfilesCollection) StopProfiling(securityTokenID int, title string, actualSamplingRate float64) *CpuProfile {
	var profile *CpuProfile
	c.lockCurrent()
	for i := len(c.currentProfiles) - 1; i >= 0; i-- {
		if title == "" || c.currentProfiles[i].title == title {
			profile = c.currentProfiles[i]
			c.currentProfiles = slices.Delete(c.currentProfiles, i, i+1)
			break
		}
	}
	c.unlockCurrent()

	if profile == nil {
		return nil
	}
	profile.CalculateTotalTicks()
	profile.SetActualSamplingRate(actualSamplingRate)

	c.mu.Lock()
	c.profilesByToken[0] = append(c.profilesByToken[0], profile)
	c.profilesUIDs[profile.uid] = len(c.profilesByToken[0]) - 1
	c.mu.Unlock()

	return c.GetProfile(securityTokenID, profile.uid)
}

// IsLastProfile reports whether title names the only recording profile. An
// empty title matches any.
func (c *CpuProfilesCollection) IsLastProfile(title string) bool {
	c.lockCurrent()
	defer c.unlockCurrent()
	if len(c.currentProfiles) != 1 {
		return false
	}
	return title == "" || c.currentProfiles[0].title == title
}

// CurrentProfilesCount returns the number of recording profiles.
func (c *CpuProfilesCollection) CurrentProfilesCount() int {
	c.lockCurrent()
	defer c.unlockCurrent()
	return len(c.currentProfiles)
}

// GetProfile returns the finalized profile with uid as seen by
// securityTokenID, creating the filtered view on first request.
func (c *CpuProfilesCollection) GetProfile(securityTokenID int, uid uint32) *CpuProfile {
	c.mu.RLock()
	index, ok := c.profilesUIDs[uid]
	if !ok {
		c.mu.RUnlock()
		return nil
	}
	unabridged := c.profilesByToken[0][index]
	if securityTokenID == tokens.NoSecurityToken {
		c.mu.RUnlock()
		return unabridged
	}
	if list := c.tokenListLocked(securityTokenID); list != nil && index < len(list) && list[index] != nil {
		clone := list[index]
		c.mu.RUnlock()
		return clone
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	index, ok = c.profilesUIDs[uid]
	if !ok {
		return nil
	}
	list := c.profilesList(securityTokenID)
	if list[index] == nil {
		list[index] = c.profilesByToken[0][index].FilteredClone(securityTokenID)
	}
	return list[index]
}

// Profiles returns every finalized profile as seen by securityTokenID.
func (c *CpuProfilesCollection) Profiles(securityTokenID int) []*CpuProfile {
	if securityTokenID == tokens.NoSecurityToken {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return slices.Clone(c.profilesByToken[0])
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.profilesList(securityTokenID)
	for i, p := range c.profilesByToken[0] {
		if list[i] == nil {
			list[i] = p.FilteredClone(securityTokenID)
		}
	}
	return slices.Clone(list)
}

// ProfilesCount returns the number of finalized profiles.
func (c *CpuProfilesCollection) ProfilesCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.profilesByToken[0])
}

// DetachedCount returns the number of removed views still reachable by
// holders of the removed profile.
func (c *CpuProfilesCollection) DetachedCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.detachedProfiles)
}

// RemoveProfile drops a finalized profile and all its views. Views other than
// profile itself are kept in the detached list because callers may still use
// them.
func (c *CpuProfilesCollection) RemoveProfile(profile *CpuProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	index, ok := c.profilesUIDs[profile.uid]
	if !ok {
		if i := slices.Index(c.detachedProfiles, profile); i >= 0 {
			c.detachedProfiles = slices.Delete(c.detachedProfiles, i, i+1)
		}
		return
	}
	delete(c.profilesUIDs, profile.uid)
	for uid, i := range c.profilesUIDs {
		if i > index {
			c.profilesUIDs[uid] = i - 1
		}
	}
	for t, list := range c.profilesByToken {
		if index >= len(list) {
			continue
		}
		removed := list[index]
		c.profilesByToken[t] = slices.Delete(list, index, index+1)
		if removed != nil && removed != profile {
			c.detachedProfiles = append(c.detachedProfiles, removed)
		}
	}
}

func (c *CpuProfilesCollection) tokenListLocked(securityTokenID int) []*CpuProfile {
	idx := tokenToIndex(securityTokenID)
	if idx >= len(c.profilesByToken) {
		return nil
	}
	return c.profilesByToken[idx]
}

// profilesList returns the list for the token padded to the unabridged
// length. Requires the write lock.
func (c *CpuProfilesCollection) profilesList(securityTokenID int) []*CpuProfile {
	idx := tokenToIndex(securityTokenID)
	for len(c.profilesByToken) <= idx {
		c.profilesByToken = append(c.profilesByToken, nil)
	}
	list := c.profilesByToken[idx]
	for len(list) < len(c.profilesByToken[0]) {
		list = append(list, nil)
	}
	c.profilesByToken[idx] = list
	return list
}

func tokenToIndex(securityTokenID int) int {
	return securityTokenID + 1
}

func (c *CpuProfilesCollection) addEntry(e *CodeEntry) *CodeEntry {
	c.entriesMu.Lock()
	c.codeEntries = append(c.codeEntries, e)
	c.entriesMu.Unlock()
	return e
}

// NewCodeEntry creates an entry for a function with source position.
func (c *CpuProfilesCollection) NewCodeEntry(tag CodeTag, name, resourceName string, lineNumber int) *CodeEntry {
	return c.addEntry(NewCodeEntry(tag, EmptyNamePrefix, c.names.GetFunctionName(name),
		c.names.GetName(resourceName), lineNumber, tokens.NoSecurityToken))
}

// NewStaticCodeEntry creates an entry for a builtin or VM state.
func (c *CpuProfilesCollection) NewStaticCodeEntry(tag CodeTag, name string) *CodeEntry {
	return c.addEntry(NewCodeEntry(tag, EmptyNamePrefix, c.names.GetFunctionName(name),
		"", NoLineNumberInfo, tokens.NoSecurityToken))
}

// NewPrefixedCodeEntry creates an entry, such as an IC stub, that runs on
// behalf of its caller.
func (c *CpuProfilesCollection) NewPrefixedCodeEntry(tag CodeTag, prefix, name string) *CodeEntry {
	return c.addEntry(NewCodeEntry(tag, prefix, c.names.GetName(name),
		"", NoLineNumberInfo, tokens.InheritsSecurityToken))
}

// NewArgsCountCodeEntry creates an entry for an argument adaptor stub.
func (c *CpuProfilesCollection) NewArgsCountCodeEntry(tag CodeTag, argsCount int) *CodeEntry {
	return c.addEntry(NewCodeEntry(tag, argsCountPrefix, c.names.GetNameInt(argsCount),
		"", NoLineNumberInfo, tokens.InheritsSecurityToken))
}

// CodeEntriesCount returns how many entries the collection has created.
func (c *CpuProfilesCollection) CodeEntriesCount() int {
	c.entriesMu.Lock()
	defer c.entriesMu.Unlock()
	return len(c.codeEntries)
}

// AddPathToCurrentProfiles records one sample in every recording profile.
func (c *CpuProfilesCollection) AddPathToCurrentProfiles(path []*CodeEntry) {
	c.lockCurrent()
	defer c.unlockCurrent()
	for _, p := range c.currentProfiles {
		p.AddPath(path)
	}
}

// Clear discards every recording and finalized profile. Code entries stay
// valid since the code map still refers to them.
func (c *CpuProfilesCollection) Clear() {
	c.lockCurrent()
	c.currentProfiles = nil
	c.unlockCurrent()

	c.mu.Lock()
	c.profilesByToken = [][]*CpuProfile{nil}
	c.profilesUIDs = make(map[uint32]int)
	c.detachedProfiles = nil
	c.mu.Unlock()
}
