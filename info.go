package zhpeq

import (
	"fmt"
	"io"
)

// PrintInfo writes the device attributes and, when the backend has any,
// its diagnostics for q. q may be nil.
func (lib *Lib) PrintInfo(w io.Writer, q *Queue) error {
	a := lib.sd.Attr
	_, err := fmt.Fprintf(w, "zhpeq:attributes\n"+
		"backend       : %s\n"+
		"max_tx_queues : %d\n"+
		"max_rx_queues : %d\n"+
		"max_hw_qlen   : %d\n"+
		"max_sw_qlen   : %d\n"+
		"max_dma_len   : %d\n",
		BackendName(a.Backend), a.MaxTxQueues, a.MaxRxQueues, a.MaxHWQLen, a.MaxSWQLen, a.MaxDMALen)
	if err != nil {
		return err
	}

	if p, ok := lib.backend.(DiagnosticsPrinter); ok {
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
		p.PrintDiagnostics(w, q)
	}
	return nil
}
