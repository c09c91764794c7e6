package drive

import (
	"errors"
	"testing"
	"time"

	"github.com/open-source-firmware/go-nvme-harness/pkg/nvme"
)

func createCQ(qid uint16, entries int, cdw11 uint32) *Submission {
	return &Submission{Command: nvme.Command{
		Opcode: nvme.AdminCreateIOCQ,
		CDW10:  uint32(entries-1)<<16 | uint32(qid),
		CDW11:  cdw11,
	}}
}

func createSQ(qid, cqid uint16, entries int) *Submission {
	return &Submission{Command: nvme.Command{
		Opcode: nvme.AdminCreateIOSQ,
		CDW10:  uint32(entries-1)<<16 | uint32(qid),
		CDW11:  uint32(cqid)<<16 | 1,
	}}
}

func TestQueuesAdmin(t *testing.T) {
	testCases := []struct {
		name string
		sub  *Submission
		want nvme.Status
	}{
		{"cq", createCQ(1, 16, 1), nvme.StatusSuccess},
		{"cq qid 0", createCQ(0, 16, 1), nvme.StatusInvalidQID},
		{"cq qid beyond max", createCQ(9, 16, 1), nvme.StatusInvalidQID},
		{"cq too large", createCQ(2, 128, 1), nvme.StatusInvalidQueueSize},
		{"cq without memory", createCQ(2, 16, 0), nvme.StatusInvalidField},
		{"cq bad vector", createCQ(2, 16, 1|1<<1|100<<16), nvme.StatusInvalidInterruptVector},
		{"sq on missing cq", createSQ(1, 5, 16), nvme.StatusCQInvalid},
		{"sq on admin cq", createSQ(1, 0, 16), nvme.StatusCQInvalid},
		{"sq", createSQ(1, 1, 16), nvme.StatusSuccess},
		{"sq twice", createSQ(1, 1, 16), nvme.StatusInvalidQID},
		{"delete bound cq", &Submission{Command: nvme.Command{Opcode: nvme.AdminDeleteIOCQ, CDW10: 1}}, nvme.StatusInvalidQueueDeletion},
		{"delete sq", &Submission{Command: nvme.Command{Opcode: nvme.AdminDeleteIOSQ, CDW10: 1}}, nvme.StatusSuccess},
		{"delete sq again", &Submission{Command: nvme.Command{Opcode: nvme.AdminDeleteIOSQ, CDW10: 1}}, nvme.StatusInvalidQID},
		{"delete cq", &Submission{Command: nvme.Command{Opcode: nvme.AdminDeleteIOCQ, CDW10: 1}}, nvme.StatusSuccess},
	}
	q := NewQueues(8, 64, 16)
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			st, handled := q.Admin(tc.sub)
			if !handled {
				t.Fatalf("command not handled")
			}
			if st != tc.want {
				t.Errorf("status %v, want %v", st, tc.want)
			}
		})
	}
	if _, handled := q.Admin(&Submission{Command: nvme.Command{Opcode: nvme.AdminIdentify}}); handled {
		t.Errorf("identify handled by the queue table")
	}
}

func TestQueuesFull(t *testing.T) {
	q := NewQueues(4, 64, 4)
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(0, &Submission{}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if _, err := q.Enqueue(0, &Submission{}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("fourth command on a 4 entry queue: %v, want ErrQueueFull", err)
	}
	if _, err := q.Enqueue(3, &Submission{}); !errors.Is(err, ErrNoQueue) {
		t.Errorf("missing queue: %v, want ErrNoQueue", err)
	}
}

func TestQueuesCIDAndPhase(t *testing.T) {
	q := NewQueues(4, 64, 4)
	var cids []uint16
	for round := 0; round < 3; round++ {
		for i := 0; i < 2; i++ {
			s := &Submission{}
			cid, err := q.Enqueue(0, s)
			if err != nil {
				t.Fatalf("enqueue: %v", err)
			}
			if s.Command.CID != cid {
				t.Errorf("command carries cid %d, returned %d", s.Command.CID, cid)
			}
			cids = append(cids, cid)
		}
		p, err := q.Fetch(0)
		if err != nil || len(p) != 2 {
			t.Fatalf("fetch: %d pending, %v", len(p), err)
		}
		for _, e := range p {
			q.Complete(0, e.CID, nvme.StatusSuccess, 0)
		}
		res, err := q.Reap(0, 8, time.Second)
		if err != nil || len(res) != 2 {
			t.Fatalf("reap: %d completions, %v", len(res), err)
		}
		// Entries 0-3 carry phase 1, 4-7 phase 0 on a 4 entry queue.
		for i, c := range res {
			pos := round*2 + i
			want := (pos/4)%2 == 0
			if c.Phase() != want {
				t.Errorf("completion %d phase %v, want %v", pos, c.Phase(), want)
			}
		}
	}
	seen := map[uint16]bool{}
	for _, c := range cids {
		if seen[c] {
			t.Errorf("cid %d reused while unique ids were free", c)
		}
		seen[c] = true
	}
}

func TestQueuesReapTimeout(t *testing.T) {
	q := NewQueues(4, 64, 4)
	start := time.Now()
	res, err := q.Reap(0, 1, 20*time.Millisecond)
	if err != nil || len(res) != 0 {
		t.Fatalf("empty reap: %v %v", res, err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Errorf("reap returned before its timeout")
	}
}

func TestQueuesDeleteAbortsPending(t *testing.T) {
	q := NewQueues(4, 64, 16)
	for _, s := range []*Submission{createCQ(1, 8, 1), createSQ(1, 1, 8)} {
		if st, _ := q.Admin(s); st != nvme.StatusSuccess {
			t.Fatalf("create: %v", st)
		}
	}
	cid, err := q.Enqueue(1, &Submission{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if st, _ := q.Admin(&Submission{Command: nvme.Command{Opcode: nvme.AdminDeleteIOSQ, CDW10: 1}}); st != nvme.StatusSuccess {
		t.Fatalf("delete: %v", st)
	}
	res, err := q.Reap(1, 4, time.Second)
	if err != nil || len(res) != 1 {
		t.Fatalf("reap: %v %v", res, err)
	}
	if res[0].CID != cid || res[0].Status() != nvme.StatusAbortedSQDeletion {
		t.Errorf("got cid %d status %v", res[0].CID, res[0].Status())
	}
}
