package blockidx

// stackElement is one pending block of a tree walk. low is an exclusive lower bound and
// high an inclusive upper bound of the keys below the block, nil means unbounded.
type stackElement struct {
	id        uint64
	parent    uint64
	depth     int
	low       []byte
	high      []byte
	rightmost bool
}

type stack struct {
	list []stackElement
}

func (s *stack) push(e stackElement) {
	s.list = append(s.list, e)
}

func (s *stack) pop() (stackElement, bool) {
	if len(s.list) == 0 {
		return stackElement{}, false
	}
	v := s.list[len(s.list)-1]
	s.list = s.list[:len(s.list)-1]
	return v, true
}

func (s *stack) len() int {
	return len(s.list)
}
