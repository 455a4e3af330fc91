// Command mocksacct is a deterministic stand-in for sacct. It accepts the
// adapter's argv shape (-a -n -P -S since -E until -o fields [-u user]) and
// prints pipe-delimited job rows derived from an FNV hash of (user, month,
// index), so identical queries always produce identical bytes.
//
// Environment knobs:
//
//	MOCKSACCT_USERS           comma-separated usernames (default built-in six)
//	MOCKSACCT_JOBS_PER_MONTH  jobs per user per month (default 8)
//	MOCKSACCT_FAIL            any non-empty value: print to stderr, exit 1
//
// Point sacctBin at this binary to run the pipeline without a cluster.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/slurmboard/slurmboard/internal/months"
)

const stampLayout = "2006-01-02T15:04:05"

var defaultUsers = []string{"alice", "bob", "carol", "dave", "erin", "frank"}

func main() {
	var (
		since  = flag.String("S", "", "window start, inclusive")
		until  = flag.String("E", "", "window end, exclusive")
		fields = flag.String("o", "", "comma-separated output fields")
		user   = flag.String("u", "", "restrict output to one username")
	)
	// Accepted for argv compatibility; the output always behaves as if all
	// three were set.
	flag.Bool("a", false, "all users")
	flag.Bool("n", false, "no header")
	flag.Bool("P", false, "parsable, pipe-delimited")
	flag.Parse()

	if os.Getenv("MOCKSACCT_FAIL") != "" {
		fmt.Fprintln(os.Stderr, "mocksacct: simulated accounting failure")
		os.Exit(1)
	}
	if *since == "" || *until == "" {
		fmt.Fprintln(os.Stderr, "mocksacct: -S and -E are required")
		os.Exit(1)
	}
	start, err := parseWhen(*since)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mocksacct: %v\n", err)
		os.Exit(1)
	}
	end, err := parseWhen(*until)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mocksacct: %v\n", err)
		os.Exit(1)
	}

	cols := strings.Split(*fields, ",")
	if *fields == "" {
		cols = []string{"JobID", "User", "State", "ElapsedRaw", "AllocCPUS", "NNodes",
			"ReqMem", "MaxRSS", "AveRSS", "AllocTRES", "Submit", "Start", "End"}
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	for _, r := range generate(start, end, userList(*user), jobsPerMonth()) {
		values := make([]string, len(cols))
		for i, col := range cols {
			values[i] = r.column(col)
		}
		fmt.Fprintln(w, strings.Join(values, "|"))
	}
}

func parseWhen(s string) (time.Time, error) {
	for _, layout := range []string{stampLayout, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

func userList(only string) []string {
	users := defaultUsers
	if v := os.Getenv("MOCKSACCT_USERS"); v != "" {
		users = nil
		for _, u := range strings.Split(v, ",") {
			if u = strings.ToLower(strings.TrimSpace(u)); u != "" {
				users = append(users, u)
			}
		}
	}
	if only == "" {
		return users
	}
	for _, u := range users {
		if u == strings.ToLower(only) {
			return []string{u}
		}
	}
	return nil
}

func jobsPerMonth() int {
	if v := os.Getenv("MOCKSACCT_JOBS_PER_MONTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 8
}

// row carries one job's accounting columns.
type row struct {
	jobID      string
	user       string
	state      string
	elapsedSec uint64
	cpus       int
	nodes      int
	reqMem     string
	maxRSS     string
	aveRSS     string
	tres       string
	submit     time.Time
	start      time.Time
	end        time.Time
}

func (r row) column(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "jobid":
		return r.jobID
	case "user":
		return r.user
	case "state":
		return r.state
	case "elapsedraw":
		return strconv.FormatUint(r.elapsedSec, 10)
	case "alloccpus":
		return strconv.Itoa(r.cpus)
	case "nnodes":
		return strconv.Itoa(r.nodes)
	case "reqmem":
		return r.reqMem
	case "maxrss":
		return r.maxRSS
	case "averss":
		return r.aveRSS
	case "alloctres":
		return r.tres
	case "submit":
		return r.submit.Format(stampLayout)
	case "start":
		return r.start.Format(stampLayout)
	case "end":
		return r.end.Format(stampLayout)
	default:
		return ""
	}
}

// generate walks every month the window touches and emits the jobs whose end
// time lands inside [start, end). Roughly a quarter of the jobs get a
// .batch step row, which downstream filtering must drop.
func generate(start, end time.Time, users []string, perMonth int) []row {
	var rows []row
	if !start.Before(end) || len(users) == 0 {
		return rows
	}
	for m := months.Of(start); ; {
		monthStart, err := months.Parse(m)
		if err != nil || !monthStart.Before(end) {
			break
		}
		monthSeconds := uint64(monthStart.AddDate(0, 1, 0).Sub(monthStart) / time.Second)
		for ui, user := range users {
			for j := 0; j < perMonth; j++ {
				seed := hash(user, m, j)
				jobEnd := monthStart.Add(time.Duration(1800+seed%(monthSeconds-7200)) * time.Second)
				if jobEnd.Before(start) || !jobEnd.Before(end) {
					continue
				}
				r := buildRow(seed, m, ui, j, user, jobEnd)
				rows = append(rows, r)
				if seed%4 == 0 {
					rows = append(rows, stepRow(r))
				}
			}
		}
		if m, err = months.Next(m); err != nil {
			break
		}
	}
	return rows
}

func hash(user, month string, j int) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", user, month, j)
	return h.Sum64()
}

func buildRow(seed uint64, month string, ui, j int, user string, end time.Time) row {
	elapsed := 900 + seed%14400
	start := end.Add(-time.Duration(elapsed) * time.Second)

	r := row{
		jobID:      jobID(month, ui, j),
		user:       user,
		state:      state(seed),
		elapsedSec: elapsed,
		cpus:       1 << (seed >> 8 % 5),
		nodes:      1 + int(seed>>16%2),
		submit:     start.Add(-time.Duration(60+seed%3600) * time.Second),
		start:      start,
		end:        end,
	}

	var reqTotalMB uint64
	switch seed >> 32 % 3 {
	case 0:
		g := 2 + seed>>40%7
		r.reqMem = fmt.Sprintf("%dGn", g)
		reqTotalMB = g * 1000 * uint64(r.nodes)
	case 1:
		g := 1 + seed>>40%3
		r.reqMem = fmt.Sprintf("%dGc", g)
		reqTotalMB = g * 1000 * uint64(r.cpus)
	default:
		reqTotalMB = 2000 + seed>>40%14000
		r.reqMem = fmt.Sprintf("%dM", reqTotalMB)
	}
	maxKB := reqTotalMB * (30 + seed>>48%60) * 10 // 30% to 89% of request
	r.maxRSS = fmt.Sprintf("%dK", maxKB)
	r.aveRSS = fmt.Sprintf("%dK", maxKB*6/10)

	r.tres = fmt.Sprintf("billing=%d,cpu=%d", r.cpus, r.cpus)
	if seed%3 == 0 {
		r.tres += fmt.Sprintf(",gres/gpu=%d", 1+seed>>24%4)
	}
	r.tres += fmt.Sprintf(",mem=%dM,node=%d", reqTotalMB, r.nodes)
	return r
}

// jobID is unique across the whole fixture: months since 2000-01 pick the
// block, user and job index the slot.
func jobID(month string, ui, j int) string {
	t, _ := months.Parse(month)
	serial := (t.Year()-2000)*12 + int(t.Month()) - 1
	return strconv.Itoa(serial*100000 + ui*1000 + j)
}

func state(seed uint64) string {
	switch {
	case seed%13 == 0:
		return "CANCELLED by 1234"
	case seed%11 == 0:
		return "OUT_OF_MEMORY"
	case seed%7 == 0:
		return "TIMEOUT"
	case seed%5 == 0:
		return "FAILED"
	default:
		return "COMPLETED"
	}
}

// stepRow mirrors sacct's job-step lines: same id with a .batch suffix and
// no user.
func stepRow(parent row) row {
	step := parent
	step.jobID = parent.jobID + ".batch"
	step.user = ""
	return step
}
