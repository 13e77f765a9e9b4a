package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"

	"github.com/whisper2/whisperclient/client"
	"github.com/whisper2/whisperclient/client/clientintf"
	"github.com/whisper2/whisperclient/internal/strescape"
)

const leader = '/'

type clicmd struct {
	cmd     string
	aliases []string
	usage   string
	descr   string

	handler func(ctx context.Context, args []string, a *app) error

	// rawHandler receives the unsplit text after the command word, for
	// commands whose last argument is free text.
	rawHandler func(ctx context.Context, rawArgs string, a *app) error
}

func (cmd *clicmd) is(s string) bool {
	if cmd.cmd == s {
		return true
	}
	for _, alias := range cmd.aliases {
		if alias == s {
			return true
		}
	}
	return false
}

// usageError is returned by command handlers to indicate the user typed
// wrong arguments for the given command.
type usageError struct {
	msg string
}

func (err usageError) Error() string {
	return err.msg
}

func (err usageError) Is(target error) bool {
	_, ok := target.(usageError)
	return ok
}

func usageErrorf(format string, args ...interface{}) usageError {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

var commands = []clicmd{{
	cmd:     "msg",
	aliases: []string{"m"},
	usage:   "<whisperID> <message>",
	descr:   "Send a text message to a contact",
	rawHandler: func(ctx context.Context, rawArgs string, a *app) error {
		to, text, ok := strings.Cut(rawArgs, " ")
		if !ok || to == "" || text == "" {
			return usageErrorf("usage: /msg <whisperID> <message>")
		}
		id, err := a.c.SendText(ctx, to, text)
		if err != nil {
			return err
		}
		fmt.Printf("queued %s to %s\n", id, strescape.ID(to))
		return nil
	},
}, {
	cmd:   "reply",
	usage: "<whisperID> <messageID> <message>",
	descr: "Send a text message replying to an earlier one",
	rawHandler: func(ctx context.Context, rawArgs string, a *app) error {
		to, rest, ok := strings.Cut(rawArgs, " ")
		if !ok {
			return usageErrorf("usage: /reply <whisperID> <messageID> <message>")
		}
		replyTo, text, ok := strings.Cut(rest, " ")
		if !ok || to == "" || replyTo == "" || text == "" {
			return usageErrorf("usage: /reply <whisperID> <messageID> <message>")
		}
		id, err := a.c.SendTextReply(ctx, to, text, replyTo)
		if err != nil {
			return err
		}
		fmt.Printf("queued %s to %s\n", id, strescape.ID(to))
		return nil
	},
}, {
	cmd:   "loc",
	usage: "<whisperID> <latitude> <longitude> [place]",
	descr: "Send a location message",
	handler: func(ctx context.Context, args []string, a *app) error {
		if len(args) < 3 {
			return usageErrorf("usage: /loc <whisperID> <latitude> <longitude> [place]")
		}
		lat, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return usageErrorf("latitude %q is not a number", args[1])
		}
		lng, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return usageErrorf("longitude %q is not a number", args[2])
		}
		loc := client.LocationPayload{
			Latitude:  lat,
			Longitude: lng,
			PlaceName: strings.Join(args[3:], " "),
		}
		id, err := a.c.SendLocation(ctx, args[0], loc)
		if err != nil {
			return err
		}
		fmt.Printf("queued %s to %s\n", id, strescape.ID(args[0]))
		return nil
	},
}, {
	cmd:   "typing",
	usage: "<whisperID>",
	descr: "Tell a contact you are typing",
	handler: func(ctx context.Context, args []string, a *app) error {
		if len(args) != 1 {
			return usageErrorf("usage: /typing <whisperID>")
		}
		return a.c.SendTypingIndicator(args[0])
	},
}, {
	cmd:   "read",
	usage: "<whisperID> <messageID>",
	descr: "Mark a received message as read",
	handler: func(ctx context.Context, args []string, a *app) error {
		if len(args) != 2 {
			return usageErrorf("usage: /read <whisperID> <messageID>")
		}
		return a.c.SendDeliveryReceipt(args[1], args[0], clientintf.StatusRead)
	},
}, {
	cmd:     "contact",
	aliases: []string{"add"},
	usage:   "<whisperID> <encPubKey> <signPubKey>",
	descr:   "Add a contact with base64 public keys",
	handler: func(ctx context.Context, args []string, a *app) error {
		if len(args) != 3 {
			return usageErrorf("usage: /contact <whisperID> <encPubKey> <signPubKey>")
		}
		if err := a.db.addContact(args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("added contact %s\n", strescape.ID(args[0]))
		return nil
	},
}, {
	cmd:   "contacts",
	descr: "List known contacts",
	handler: func(ctx context.Context, args []string, a *app) error {
		ids := a.db.contactIDs()
		if len(ids) == 0 {
			fmt.Println("no contacts; use /contact to add one")
			return nil
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Println(strescape.ID(id))
		}
		return nil
	},
}, {
	cmd:   "backup",
	usage: "<file>",
	descr: "Write an encrypted contacts backup",
	handler: func(ctx context.Context, args []string, a *app) error {
		if len(args) != 1 {
			return usageErrorf("usage: /backup <file>")
		}
		path, err := homedir.Expand(args[0])
		if err != nil {
			return err
		}
		n, err := a.db.exportContacts(path)
		if err != nil {
			return err
		}
		fmt.Printf("backed up %d contact(s) to %s\n", n, path)
		return nil
	},
}, {
	cmd:   "restore",
	usage: "<file>",
	descr: "Merge contacts from an encrypted backup",
	handler: func(ctx context.Context, args []string, a *app) error {
		if len(args) != 1 {
			return usageErrorf("usage: /restore <file>")
		}
		path, err := homedir.Expand(args[0])
		if err != nil {
			return err
		}
		n, err := a.db.importContacts(path)
		if err != nil {
			return err
		}
		fmt.Printf("restored %d contact(s) from %s\n", n, path)
		return nil
	},
}, {
	cmd:   "whoami",
	descr: "Show this device's identity and public keys",
	handler: func(ctx context.Context, args []string, a *app) error {
		kr := a.db.keyRing()
		id := a.db.whisperID()
		if id == "" {
			id = "(unregistered)"
		}
		fmt.Printf("identity: %s\n", id)
		fmt.Printf("device:   %s\n", a.db.deviceID())
		fmt.Printf("enc key:  %s\n", base64.StdEncoding.EncodeToString(kr.Public.Enc[:]))
		fmt.Printf("sign key: %s\n", base64.StdEncoding.EncodeToString(kr.Public.Sign))
		return nil
	},
}, {
	cmd:   "pending",
	descr: "Show the outbound queue and failed messages",
	handler: func(ctx context.Context, args []string, a *app) error {
		fmt.Printf("queued: %d", a.c.QueueLen())
		if a.c.SendingPaused() {
			fmt.Printf(" (sending paused)")
		}
		fmt.Println()
		for _, ms := range a.c.FailedMessages() {
			fmt.Printf("failed %s to %s after %d attempt(s): %s %s\n",
				ms.MessageID, strescape.ID(ms.To), ms.Attempts,
				ms.FailureCode, strescape.Content(ms.FailureMsg))
		}
		return nil
	},
}, {
	cmd:   "pause",
	descr: "Pause outbound sending",
	handler: func(ctx context.Context, args []string, a *app) error {
		a.c.PauseSending()
		fmt.Println("sending paused")
		return nil
	},
}, {
	cmd:   "resume",
	descr: "Resume outbound sending",
	handler: func(ctx context.Context, args []string, a *app) error {
		a.c.ResumeSending()
		fmt.Println("sending resumed")
		return nil
	},
}, {
	cmd:   "stats",
	descr: "Show delivery round trip timing stats",
	handler: func(ctx context.Context, args []string, a *app) error {
		stats := a.c.TimingStats()
		if len(stats) == 0 {
			fmt.Println("no messages delivered yet")
			return nil
		}
		for _, v := range stats {
			fmt.Printf("%5s: <= %5dms: %d\n", v.Rel, v.Max, v.N)
		}
		return nil
	},
}, {
	cmd:   "fetch",
	descr: "Fetch messages queued on the server while offline",
	handler: func(ctx context.Context, args []string, a *app) error {
		n, err := a.c.FetchPending(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("fetched %d message(s)\n", n)
		return nil
	},
}, {
	cmd:   "version",
	descr: "Show version information",
	handler: func(ctx context.Context, args []string, a *app) error {
		fmt.Printf("%s %s protocol version %d\n", appName, appVersion,
			protocolVersion)
		return nil
	},
}, {
	cmd:     "quit",
	aliases: []string{"exit", "q"},
	descr:   "Quit the app",
	handler: func(ctx context.Context, args []string, a *app) error {
		return errCmdDone
	},
}}

// The help command is registered in init instead of the commands literal
// because its handler refers to commands, which would otherwise be an
// initialization cycle.
func init() {
	commands = append(commands, clicmd{
		cmd:     "help",
		aliases: []string{"?"},
		descr:   "Show this help",
		handler: func(ctx context.Context, args []string, a *app) error {
			for i := range commands {
				cmd := &commands[i]
				name := string(leader) + cmd.cmd
				if cmd.usage != "" {
					name += " " + cmd.usage
				}
				fmt.Printf("%-50s %s\n", name, cmd.descr)
			}
			return nil
		},
	})
}

// dispatchCommand parses one terminal line and runs the matching command.
// Lines that do not start with the leader char are rejected with a hint
// instead of being silently dropped.
func (a *app) dispatchCommand(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if line[0] != leader {
		return usageErrorf("commands start with %c; try %chelp", leader, leader)
	}

	word, rawArgs, _ := strings.Cut(line[1:], " ")
	rawArgs = strings.TrimSpace(rawArgs)
	if word == "" {
		return usageErrorf("try %chelp", leader)
	}

	for i := range commands {
		cmd := &commands[i]
		if !cmd.is(word) {
			continue
		}
		if cmd.rawHandler != nil {
			return cmd.rawHandler(ctx, rawArgs, a)
		}
		return cmd.handler(ctx, strings.Fields(rawArgs), a)
	}
	return usageErrorf("unknown command %q; try %chelp", word, leader)
}
