package rewrite

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/notedb/internal/git"
)

type stagedObject struct {
	objectType git.ObjectType
	body       []byte
}

// stagedStore buffers new objects on top of a base store. Reads see staged
// objects first, so a rewritten chain can be parsed before anything is
// written; flush copies the objects to the base in insertion order.
type stagedStore struct {
	base    git.ObjectStore
	order   []git.ObjectID
	objects map[git.ObjectID]stagedObject
}

func newStagedStore(base git.ObjectStore) *stagedStore {
	return &stagedStore{base: base, objects: make(map[git.ObjectID]stagedObject)}
}

func (s *stagedStore) Insert(objectType git.ObjectType, body []byte) (git.ObjectID, error) {
	id := git.HashObject(objectType, body)
	if _, ok := s.objects[id]; !ok {
		s.objects[id] = stagedObject{objectType: objectType, body: append([]byte(nil), body...)}
		s.order = append(s.order, id)
	}
	return id, nil
}

func (s *stagedStore) Read(id git.ObjectID) (git.ObjectType, []byte, error) {
	if object, ok := s.objects[id]; ok {
		return object.objectType, append([]byte(nil), object.body...), nil
	}
	return s.base.Read(id)
}

func (s *stagedStore) staged() int {
	return len(s.order)
}

func (s *stagedStore) flush() error {
	for _, id := range s.order {
		object := s.objects[id]
		written, err := s.base.Insert(object.objectType, object.body)
		if err != nil {
			return err
		}
		if written != id {
			return fmt.Errorf("staged object %s stored as %s", id, written)
		}
	}
	s.order = nil
	s.objects = make(map[git.ObjectID]stagedObject)
	return nil
}
