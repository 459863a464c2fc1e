package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"github.com/tunnelmonitor/tunnelmon/internal/ui"
	"github.com/tunnelmonitor/tunnelmon/internal/visit"
)

// entryOptions holds the enter command's input before it becomes a record.
type entryOptions struct {
	Name     string
	Phone    string
	Company  string
	Persons  int
	Tunnels  []int
	Entered  string
	Expected string
}

var enterCmd = &cobra.Command{
	Use:     "enter",
	GroupID: "visits",
	Short:   "Register a group entering the tunnels",
	Long: `Register a visit at this station.

The visit is written to the shared folder, appears on every station and is
logged to the tunnel log. The expected return accepts a timestamp
(DD-MM-YYYY HH:MM), a time today (HH:MM), a duration from the entry time
(2h, 90m) or plain English ("in 3 hours", "today at 5pm").

Example usage:
  tunnelmon enter --name Alice --phone 555 --company Acme --tunnel 1
  tunnelmon enter --name Bob --phone 556 --company Acme --persons 3 --tunnel 1 --tunnel 2 --expected 2h
  tunnelmon enter -i              # Fill in a form`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interactive, _ := cmd.Flags().GetBool("interactive")

		d, cfg, closeAll, err := openDaemon()
		if err != nil {
			return err
		}
		defer closeAll()

		opts := enterOpts
		if interactive {
			if err := runEntryForm(&opts); err != nil {
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Println("Cancelled")
					return nil
				}
				return err
			}
		}

		r, err := buildRecord(opts, time.Now(), cfg.DefaultStay)
		if err != nil {
			return err
		}

		stored, err := d.Enter(r)
		if err != nil {
			return err
		}

		fmt.Printf("%s Entered: %s\n", ui.RenderPass("✓"), stored.String())
		fmt.Printf("   ID: %s\n", ui.RenderAccent(stored.ID))
		if stored.Overdue {
			fmt.Printf("   %s expected return is already in the past\n", ui.RenderWarn("⚠"))
		}
		return nil
	},
}

var enterOpts entryOptions

func init() {
	f := enterCmd.Flags()
	f.StringVar(&enterOpts.Name, "name", "", "Name of the group leader")
	f.StringVar(&enterOpts.Phone, "phone", "", "Phone number to call if overdue")
	f.StringVar(&enterOpts.Company, "company", "", "Company")
	f.IntVar(&enterOpts.Persons, "persons", 1, "Number of persons")
	f.IntSliceVarP(&enterOpts.Tunnels, "tunnel", "t", nil, "Tunnel number (1 or 2), repeatable")
	f.StringVar(&enterOpts.Entered, "entered", "", "Entry time (default: now)")
	f.StringVar(&enterOpts.Expected, "expected", "", "Expected return (default: entry time + DefaultStay)")
	f.BoolP("interactive", "i", false, "Fill in the visit with a form")
	rootCmd.AddCommand(enterCmd)
}

// buildRecord turns options into a record. Empty times default to now and
// entry + stay.
func buildRecord(opts entryOptions, now time.Time, stay time.Duration) (visit.Record, error) {
	r := visit.Record{
		Name:    strings.TrimSpace(opts.Name),
		Phone:   strings.TrimSpace(opts.Phone),
		Company: strings.TrimSpace(opts.Company),
		Persons: opts.Persons,
	}

	for _, t := range opts.Tunnels {
		switch t {
		case 1:
			r.Tunnel1 = true
		case 2:
			r.Tunnel2 = true
		default:
			return visit.Record{}, fmt.Errorf("%w: unknown tunnel %d", visit.ErrInvalidRecord, t)
		}
	}

	r.EntryTime = now
	if opts.Entered != "" {
		t, err := parseWhen(opts.Entered, now)
		if err != nil {
			return visit.Record{}, fmt.Errorf("invalid entry time: %w", err)
		}
		r.EntryTime = t
	}

	r.ExpectedReturn = r.EntryTime.Add(stay)
	if opts.Expected != "" {
		t, err := parseWhen(opts.Expected, r.EntryTime)
		if err != nil {
			return visit.Record{}, fmt.Errorf("invalid expected return: %w", err)
		}
		r.ExpectedReturn = t
	}

	return r, r.Validate()
}

var naturalTime = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseWhen reads a point in time relative to base: the record timestamp
// format, a clock time on base's day, a duration after base, or English.
func parseWhen(s string, base time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)

	if t, err := visit.ParseTime(s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("15:04", s, base.Location()); err == nil {
		return time.Date(base.Year(), base.Month(), base.Day(), t.Hour(), t.Minute(), 0, 0, base.Location()), nil
	}
	if d, err := time.ParseDuration(strings.TrimPrefix(s, "+")); err == nil {
		return base.Add(d), nil
	}
	if hours, err := strconv.Atoi(s); err == nil {
		return base.Add(time.Duration(hours) * time.Hour), nil
	}

	res, err := naturalTime.Parse(s, base)
	if err != nil {
		return time.Time{}, err
	}
	if res == nil {
		return time.Time{}, fmt.Errorf("cannot understand %q", s)
	}
	return res.Time, nil
}

// runEntryForm asks for the fields not given as flags.
func runEntryForm(opts *entryOptions) error {
	persons := strconv.Itoa(max(opts.Persons, 1))

	notBlank := func(field string) func(string) error {
		return func(s string) error {
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("%s is required", field)
			}
			return nil
		}
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Name").Value(&opts.Name).Validate(notBlank("name")),
			huh.NewInput().Title("Phone").Value(&opts.Phone).Validate(notBlank("phone")),
			huh.NewInput().Title("Company").Value(&opts.Company).Validate(notBlank("company")),
			huh.NewInput().Title("Persons").Value(&persons).Validate(func(s string) error {
				n, err := strconv.Atoi(strings.TrimSpace(s))
				if err != nil || n <= 0 {
					return errors.New("enter a positive number")
				}
				return nil
			}),
		),
		huh.NewGroup(
			huh.NewMultiSelect[int]().
				Title("Tunnels").
				Options(huh.NewOption("Tunnel 1", 1), huh.NewOption("Tunnel 2", 2)).
				Value(&opts.Tunnels).
				Validate(func(ts []int) error {
					if len(ts) == 0 {
						return errors.New("select at least one tunnel")
					}
					return nil
				}),
			huh.NewInput().
				Title("Expected return").
				Description("DD-MM-YYYY HH:MM, HH:MM, 2h, or \"in 3 hours\"; empty for the default").
				Value(&opts.Expected),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	opts.Persons, _ = strconv.Atoi(strings.TrimSpace(persons))
	return nil
}
