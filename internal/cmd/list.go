package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/Alia5/nativehid/hid"
)

type List struct {
	Vendor  string `help:"Vendor id filter (hex)" placeholder:"VID"`
	Product string `help:"Product id filter (hex)" placeholder:"PID"`
}

func (l *List) Run(logger *slog.Logger) error {
	m, err := newPassiveManager(logger)
	if err != nil {
		return err
	}
	defer func() { _ = m.Shutdown() }()

	vid, err := parseHexID(l.Vendor)
	if err != nil {
		return fmt.Errorf("bad vendor id %q: %w", l.Vendor, err)
	}
	pid, err := parseHexID(l.Product)
	if err != nil {
		return fmt.Errorf("bad product id %q: %w", l.Product, err)
	}

	infos, err := m.Enumerate(vid, pid)
	if errors.Is(err, hid.ErrNotFound) {
		fmt.Println("no devices found")
		return nil
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(w, "VID:PID\tBUS\tUSAGE\tMANUFACTURER\tPRODUCT\tSERIAL\tPATH")
	}
	for _, di := range infos {
		fmt.Fprintf(w, "%04x:%04x\t%s\t%04x/%04x\t%s\t%s\t%s\t%s\n",
			di.VendorID, di.ProductID, di.Bus,
			di.UsagePage, di.Usage,
			di.Manufacturer, di.Product, di.SerialNumber, di.Path)
	}
	return w.Flush()
}
