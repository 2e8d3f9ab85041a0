package blocks

import (
	gocid "github.com/ipfs/go-cid"
)

// CidSet is a set of CID identities.
type CidSet struct {
	m map[string]gocid.Cid
}

// NewCidSet returns a set holding cids.
func NewCidSet(cids ...gocid.Cid) *CidSet {
	s := &CidSet{m: make(map[string]gocid.Cid, len(cids))}
	for _, c := range cids {
		s.Add(c)
	}
	return s
}

func (s *CidSet) Add(c gocid.Cid) {
	s.m[c.KeyString()] = c
}

// AddSet unions other into s.
func (s *CidSet) AddSet(other *CidSet) {
	if other == nil {
		return
	}
	for k, c := range other.m {
		s.m[k] = c
	}
}

// SubtractSet removes every member of other from s.
func (s *CidSet) SubtractSet(other *CidSet) {
	if other == nil {
		return
	}
	for k := range other.m {
		delete(s.m, k)
	}
}

func (s *CidSet) Has(c gocid.Cid) bool {
	_, ok := s.m[c.KeyString()]
	return ok
}

func (s *CidSet) Delete(c gocid.Cid) {
	delete(s.m, c.KeyString())
}

func (s *CidSet) Len() int {
	return len(s.m)
}

// List returns the members in byte order.
func (s *CidSet) List() []gocid.Cid {
	out := make([]gocid.Cid, 0, len(s.m))
	for _, c := range s.m {
		out = append(out, c)
	}
	sortCids(out)
	return out
}
