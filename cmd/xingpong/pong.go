package main

import (
	"fmt"
	"runtime"
	"time"

	"github.com/slackhq/zhpeq"
)

var epoch = time.Now()

func nanotime() int64 {
	return int64(time.Since(epoch))
}

func usec(total int64, n uint64) float64 {
	if n == 0 {
		return 0
	}
	return float64(total) / float64(n) / 1000
}

// serverPong reflects every entry the client writes back to the same
// offset in the client receive ring.
func (s *stuff) serverPong() error {
	a := s.args
	out := make([]zhpeq.Completion, txWindow)
	txAvail := s.txAvail
	flagIn := txNone
	var (
		txOff, rxOff               uint64
		txCount, rxCount, warmupCt uint64
		rcvNext                    int
	)

	for txCount != rxCount || flagIn != txLast {
		// Receive entries up to the window or the first empty one.
		for window := rxWindow; window > 0 && flagIn != txLast; window-- {
			flag := s.rx[rxOff]
			if flag == txNone {
				break
			}
			if flag != flagIn {
				if flagIn == txWarmup {
					warmupCt = rxCount
				}
				flagIn = flag
			}
			s.tx[rxOff] = flag
			if a.copyMode {
				slot := uint64(s.rxOrder[rcvNext]) * a.entryLen
				copy(s.rxData[slot:slot+a.entryLen], s.rx[rxOff:rxOff+a.entryLen])
				rcvNext = (rcvNext + 1) % len(s.rxOrder)
			}
			s.rx[rxOff] = txNone
			rxCount++
			rxOff = s.nextOff(rxOff)
		}

		// Send everything that was received.
		for window := txWindow; window > 0 && rxCount != txCount; window-- {
			if txAvail == 0 {
				n, err := s.completions(out)
				if err != nil {
					return err
				}
				txAvail += n
				if txAvail == 0 {
					break
				}
			}
			if err := s.write(s.localTx+txOff, a.entryLen, s.remoteRx+txOff); err != nil {
				return err
			}
			txCount++
			txAvail--
			txOff = s.nextOff(txOff)
		}
		runtime.Gosched()
	}

	if err := s.waitIdle(out, &txAvail, nil); err != nil {
		return err
	}
	if err := s.lib.PrintInfo(s.out, s.q); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s:op_cnt/warmup %d/%d\n", appName, txCount-warmupCt, warmupCt)
	return nil
}

// waitIdle polls until every transmit slot is free again. The time spent
// polling is added to comp when it is not nil.
func (s *stuff) waitIdle(out []zhpeq.Completion, txAvail *uint64, comp *int64) error {
	for *txAvail != s.txAvail {
		now := nanotime()
		n, err := s.completions(out)
		if comp != nil {
			*comp += nanotime() - now
		}
		if err != nil {
			return err
		}
		*txAvail += n
		if n == 0 {
			runtime.Gosched()
		}
	}
	return nil
}

// nextFlag moves the transmit flag from warmup to running to last. delta is
// the operation count, or the elapsed time in seconds mode.
func (s *stuff) nextFlag(flag uint8, delta, txCount uint64, warmupCt *uint64, reset func()) uint8 {
	if flag == txWarmup {
		if delta < s.ringWarmup {
			return flag
		}
		flag = txRunning
		*warmupCt = txCount
		reset()
	}
	if delta >= s.ringOps-1 {
		flag = txLast
	}
	return flag
}

func (s *stuff) delta(start, now int64, txCount uint64) uint64 {
	if s.args.seconds {
		return uint64(now - start)
	}
	return txCount
}

// clientPong writes entries to the server and measures how long each takes
// to come back.
func (s *stuff) clientPong() error {
	a := s.args
	out := make([]zhpeq.Completion, txWindow)
	txAvail := s.txAvail
	ringAvail := a.entries
	flagIn, flagOut := txNone, txWarmup
	var (
		txOff, rxOff               uint64
		txIdx, rxIdx               uint64
		txCount, rxCount, warmupCt uint64
		latTotal1, latTotal2       int64
		latMin2, latMax2           int64
		latComp, latWrite          int64
		qMax                       uint64
	)

	start := nanotime()
	for txCount != rxCount || flagOut != txLast {
		// Receive entries up to the window or the first empty one.
		for window := rxWindow; window > 0 && flagIn != txLast; window-- {
			flagIn = s.rx[rxOff]
			if flagIn == txNone {
				break
			}
			s.rx[rxOff] = txNone
			if rxOff == 0 {
				rxIdx = 0
			}
			if rxCount == warmupCt {
				latTotal2, latMax2, latMin2 = 0, 0, 1<<63-1
			}
			d := nanotime() - s.timestamps[rxIdx]
			rxIdx++
			latTotal2 += d
			latMax2 = max(latMax2, d)
			latMin2 = min(latMin2, d)

			rxCount++
			ringAvail++
			rxOff = s.nextOff(rxOff)
		}

		// Send as long as the window, the ring and the queue allow.
		for window := txWindow; window > 0 && ringAvail > 0 && flagOut != txLast; window-- {
			now := nanotime()
			if txAvail == 0 {
				n, err := s.completions(out)
				latComp += nanotime() - now
				if err != nil {
					return err
				}
				txAvail += n
				if txAvail == 0 {
					break
				}
			}

			flagOut = s.nextFlag(flagOut, s.delta(start, now, txCount), txCount, &warmupCt, func() {
				latTotal1 = now
				latComp, latWrite, qMax = 0, 0, 0
			})

			if txOff == 0 {
				txIdx = 0
			}
			s.tx[txOff] = flagOut
			now = nanotime()
			s.timestamps[txIdx] = now
			txIdx++
			err := s.write(s.localTx+txOff, a.entryLen, s.remoteRx+txOff)
			latWrite += nanotime() - now
			if err != nil {
				return err
			}

			ringAvail--
			txCount++
			txAvail--
			txOff = s.nextOff(txOff)
		}
		qMax = max(qMax, txCount-rxCount)
		runtime.Gosched()
	}

	if err := s.waitIdle(out, &txAvail, &latComp); err != nil {
		return err
	}
	latTotal1 = nanotime() - latTotal1
	ops := txCount - warmupCt

	if err := s.lib.PrintInfo(s.out, s.q); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s:op_cnt/warmup %d/%d\n", appName, ops, warmupCt)
	fmt.Fprintf(s.out, "%s:lat ave1/ave2/min2/max2 %.3f/%.3f/%.3f/%.3f\n", appName,
		usec(latTotal1, ops*2), usec(latTotal2, ops*2), usec(latMin2, 2), usec(latMax2, 2))
	fmt.Fprintf(s.out, "%s:lat comp/write %.3f/%.3f qmax %d\n", appName,
		usec(latComp, ops), usec(latWrite, ops), qMax)
	return nil
}

// serverSink waits until the client writes its last entry, which always
// lands at the start of the receive ring.
func (s *stuff) serverSink() error {
	for s.rx[0] != txLast {
		runtime.Gosched()
	}
	return s.lib.PrintInfo(s.out, s.q)
}

// clientUnidir writes entries as fast as the queue allows without waiting
// for the server.
func (s *stuff) clientUnidir() error {
	a := s.args
	out := make([]zhpeq.Completion, txWindow)
	txAvail := s.txAvail
	flagOut := txWarmup
	var (
		txOff             uint64
		txCount, warmupCt uint64
		latTotal1         int64
		latComp, latWrite int64
	)

	start := nanotime()
	for ; flagOut != txLast; txCount++ {
		now := nanotime()
		for txAvail == 0 {
			n, err := s.completions(out)
			if err != nil {
				return err
			}
			txAvail += n
			if n == 0 {
				runtime.Gosched()
			}
		}
		latComp += nanotime() - now

		flagOut = s.nextFlag(flagOut, s.delta(start, now, txCount), txCount, &warmupCt, func() {
			latTotal1 = nanotime()
			latComp, latWrite = 0, 0
		})
		if flagOut == txLast {
			txOff = 0
		}

		s.tx[txOff] = flagOut
		now = nanotime()
		err := s.write(s.localTx+txOff, a.entryLen, s.remoteRx+txOff)
		latWrite += nanotime() - now
		if err != nil {
			return err
		}
		txAvail--
		txOff = s.nextOff(txOff)
	}

	if err := s.waitIdle(out, &txAvail, &latComp); err != nil {
		return err
	}
	latTotal1 = nanotime() - latTotal1
	ops := txCount - warmupCt

	if err := s.lib.PrintInfo(s.out, s.q); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s:op_cnt/warmup %d/%d\n", appName, ops, warmupCt)
	fmt.Fprintf(s.out, "%s:lat ave1 %.3f\n", appName, usec(latTotal1, ops))
	fmt.Fprintf(s.out, "%s:lat comp/write %.3f/%.3f\n", appName, usec(latComp, ops), usec(latWrite, ops))
	return nil
}
