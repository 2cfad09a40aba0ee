package cupsclient

import (
	"context"
	"fmt"
	"time"

	goipp "github.com/OpenPrinting/goipp"
)

// PrinterRecord is one printer-group object as returned by GetPrinters or
// GetPrinterAttributes, reduced to the fields the catalogue/intake layers
// need (spec.md §6).
type PrinterRecord struct {
	Name          string
	URI           string
	DeviceURI     string
	Info          string
	Location      string
	MakeModel     string
	State         int
	StateReasons  []string
	Accepting     bool
	IsShared      bool
	Attrs         goipp.Attributes
}

func newRequestID() uint32 {
	return uint32(time.Now().UnixNano())
}

func baseOperationAttrs(req *goipp.Message) {
	req.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	req.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-US")))
}

var getPrintersAttributes = []goipp.Value{
	goipp.String("printer-name"),
	goipp.String("printer-uri-supported"),
	goipp.String("device-uri"),
	goipp.String("printer-state"),
	goipp.String("printer-state-reasons"),
	goipp.String("printer-is-accepting-jobs"),
	goipp.String("printer-info"),
	goipp.String("printer-location"),
	goipp.String("printer-make-and-model"),
	goipp.String("printer-is-shared"),
	goipp.String("all"),
}

// BoolAttr reports a boolean attribute's value from the printer's raw
// attribute set, used to read vendor/daemon-specific options such as the
// owner sentinel that ordinary fields above don't cover.
func (r PrinterRecord) BoolAttr(name string) bool {
	return findAttrBool(r.Attrs, name)
}

// StringAttr reads an arbitrary string attribute from the printer's raw
// attribute set.
func (r PrinterRecord) StringAttr(name string) string {
	return findAttrString(r.Attrs, name)
}

// GetPrinters enumerates every queue known to the print service at c,
// used to build the local printer view (spec.md §4.4).
func (c *Client) GetPrinters(ctx context.Context) ([]PrinterRecord, error) {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpCupsGetPrinters, newRequestID())
	baseOperationAttrs(req)
	req.Operation.Add(goipp.MakeAttr("requested-attributes", goipp.TagKeyword,
		getPrintersAttributes[0], getPrintersAttributes[1:]...))

	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if !successful(statusOf(resp)) {
		return nil, fmt.Errorf("CUPS-Get-Printers: %s", statusOf(resp))
	}
	var out []PrinterRecord
	for _, attrs := range groupsWithTag(resp, goipp.TagPrinterGroup) {
		out = append(out, printerRecordFromAttrs(attrs))
	}
	return out, nil
}

// GetPrinterAttributes fetches the full attribute set for one queue by
// name. Intake issues it for direct printers but does not use the reply;
// capability hints come from the discovery event.
func (c *Client) GetPrinterAttributes(ctx context.Context, name string) (PrinterRecord, error) {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpGetPrinterAttributes, newRequestID())
	baseOperationAttrs(req)
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(c.PrinterURI(name))))

	resp, err := c.Send(ctx, req)
	if err != nil {
		return PrinterRecord{}, err
	}
	if !successful(statusOf(resp)) {
		return PrinterRecord{}, fmt.Errorf("Get-Printer-Attributes %s: %s", name, statusOf(resp))
	}
	groups := groupsWithTag(resp, goipp.TagPrinterGroup)
	if len(groups) == 0 {
		return PrinterRecord{}, fmt.Errorf("Get-Printer-Attributes %s: no printer group in response", name)
	}
	return printerRecordFromAttrs(groups[0]), nil
}

func printerRecordFromAttrs(attrs goipp.Attributes) PrinterRecord {
	return PrinterRecord{
		Name:         findAttrString(attrs, "printer-name"),
		URI:          findAttrString(attrs, "printer-uri-supported"),
		DeviceURI:    findAttrString(attrs, "device-uri"),
		Info:         findAttrString(attrs, "printer-info"),
		Location:     findAttrString(attrs, "printer-location"),
		MakeModel:    findAttrString(attrs, "printer-make-and-model"),
		State:        findAttrInt(attrs, "printer-state"),
		StateReasons: findAttrStrings(attrs, "printer-state-reasons"),
		Accepting:    findAttrBool(attrs, "printer-is-accepting-jobs"),
		IsShared:     findAttrBool(attrs, "printer-is-shared"),
		Attrs:        attrs,
	}
}

// GetDefault returns the name of the print service's default printer, or
// "" if none is configured.
func (c *Client) GetDefault(ctx context.Context) (string, error) {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpCupsGetDefault, newRequestID())
	baseOperationAttrs(req)
	resp, err := c.Send(ctx, req)
	if err != nil {
		return "", err
	}
	if statusOf(resp) == goipp.StatusErrorNotFound {
		return "", nil
	}
	if !successful(statusOf(resp)) {
		return "", fmt.Errorf("CUPS-Get-Default: %s", statusOf(resp))
	}
	groups := groupsWithTag(resp, goipp.TagPrinterGroup)
	if len(groups) == 0 {
		return "", nil
	}
	return findAttrString(groups[0], "printer-name"), nil
}

// AddModifyPrinterOptions describes a CUPS-Add-Modify-Printer call; zero
// value fields are left untouched by the print service on an existing
// queue (spec.md §4.7 Queue Construction / §4.8 Adoption).
type AddModifyPrinterOptions struct {
	Name        string
	DeviceURI   string
	Info        string
	Location    string
	PPDName     string
	Shared      *bool
	ExtraAttrs  goipp.Attributes
}

// AddModifyPrinter creates or reconfigures the named local queue.
func (c *Client) AddModifyPrinter(ctx context.Context, opts AddModifyPrinterOptions) error {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpCupsAddModifyPrinter, newRequestID())
	baseOperationAttrs(req)
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(c.PrinterURI(opts.Name))))
	req.Operation.Add(goipp.MakeAttribute("printer-name", goipp.TagName, goipp.String(opts.Name)))

	if opts.DeviceURI != "" {
		req.Printer.Add(goipp.MakeAttribute("device-uri", goipp.TagURI, goipp.String(opts.DeviceURI)))
	}
	if opts.PPDName != "" {
		req.Printer.Add(goipp.MakeAttribute("ppd-name", goipp.TagName, goipp.String(opts.PPDName)))
	}
	if opts.Info != "" {
		req.Printer.Add(goipp.MakeAttribute("printer-info", goipp.TagText, goipp.String(opts.Info)))
	}
	if opts.Location != "" {
		req.Printer.Add(goipp.MakeAttribute("printer-location", goipp.TagText, goipp.String(opts.Location)))
	}
	if opts.Shared != nil {
		req.Printer.Add(goipp.MakeAttribute("printer-is-shared", goipp.TagBoolean, goipp.Boolean(*opts.Shared)))
	}
	for _, a := range opts.ExtraAttrs {
		req.Printer.Add(a)
	}

	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if !successful(statusOf(resp)) {
		return fmt.Errorf("CUPS-Add-Modify-Printer %s: %s", opts.Name, statusOf(resp))
	}
	return nil
}

// DeletePrinter removes a local queue by name.
func (c *Client) DeletePrinter(ctx context.Context, name string) error {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpCupsDeletePrinter, newRequestID())
	baseOperationAttrs(req)
	req.Operation.Add(goipp.MakeAttribute("printer-name", goipp.TagName, goipp.String(name)))
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(c.PrinterURI(name))))

	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if statusOf(resp) == goipp.StatusErrorNotFound {
		return nil
	}
	if !successful(statusOf(resp)) {
		return fmt.Errorf("CUPS-Delete-Printer %s: %s", name, statusOf(resp))
	}
	return nil
}

// Subscription is a lease on a printer's event stream, obtained via
// CreatePrinterSubscription and polled via GetNotifications (spec.md
// §4.5.3 poll-server protocol).
type Subscription struct {
	ID            int
	LeaseDuration int
}

// CreatePrinterSubscription subscribes to events on the named printer, or
// to server-wide events if name == "". events selects which CUPS events
// to watch (e.g. "printer-config-changed,printer-state-changed").
func (c *Client) CreatePrinterSubscription(ctx context.Context, name string, events []string, leaseSeconds int) (Subscription, error) {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpCreatePrinterSubscriptions, newRequestID())
	baseOperationAttrs(req)
	uri := "ipp://localhost/printers/"
	if name != "" {
		uri = c.PrinterURI(name)
	}
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(uri)))

	if len(events) == 0 {
		events = []string{"all"}
	}
	req.Subscription.Add(goipp.MakeAttr("notify-events", goipp.TagKeyword,
		goipp.String(events[0]), stringValues(events[1:])...))
	req.Subscription.Add(goipp.MakeAttribute("notify-pull-method", goipp.TagKeyword, goipp.String("ippget")))
	if leaseSeconds > 0 {
		req.Subscription.Add(goipp.MakeAttribute("notify-lease-duration", goipp.TagInteger, goipp.Integer(leaseSeconds)))
	}

	resp, err := c.Send(ctx, req)
	if err != nil {
		return Subscription{}, err
	}
	if !successful(statusOf(resp)) {
		return Subscription{}, fmt.Errorf("Create-Printer-Subscription: %s", statusOf(resp))
	}
	groups := groupsWithTag(resp, goipp.TagSubscriptionGroup)
	if len(groups) == 0 {
		return Subscription{}, fmt.Errorf("Create-Printer-Subscription: no subscription group in response")
	}
	return Subscription{
		ID:            findAttrInt(groups[0], "notify-subscription-id"),
		LeaseDuration: findAttrInt(groups[0], "notify-lease-duration"),
	}, nil
}

// Notification is one event delivered by GetNotifications.
type Notification struct {
	SubscriptionID int
	SequenceNumber int
	Event          string
	PrinterURI     string
	PrinterName    string
	PrinterState   int
}

// GetNotifications polls subscription subID for events with a sequence
// number of at least sinceSeq (0 to fetch from the start of the lease).
func (c *Client) GetNotifications(ctx context.Context, subID int, sinceSeq int) ([]Notification, error) {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpGetNotifications, newRequestID())
	baseOperationAttrs(req)
	req.Operation.Add(goipp.MakeAttribute("notify-subscription-ids", goipp.TagInteger, goipp.Integer(subID)))
	if sinceSeq > 0 {
		req.Operation.Add(goipp.MakeAttribute("notify-sequence-numbers", goipp.TagInteger, goipp.Integer(sinceSeq)))
	}

	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if !successful(statusOf(resp)) {
		return nil, fmt.Errorf("Get-Notifications: %s", statusOf(resp))
	}
	var out []Notification
	for _, attrs := range groupsWithTag(resp, goipp.TagEventNotificationGroup) {
		out = append(out, Notification{
			SubscriptionID: findAttrInt(attrs, "notify-subscription-id"),
			SequenceNumber: findAttrInt(attrs, "notify-sequence-number"),
			Event:          findAttrString(attrs, "notify-subscribed-event"),
			PrinterURI:     findAttrString(attrs, "printer-uri"),
			PrinterName:    findAttrString(attrs, "printer-name"),
			PrinterState:   findAttrInt(attrs, "printer-state"),
		})
	}
	return out, nil
}

// CancelSubscription releases a lease obtained with CreatePrinterSubscription.
func (c *Client) CancelSubscription(ctx context.Context, subID int) error {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpCancelSubscription, newRequestID())
	baseOperationAttrs(req)
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String("ipp://localhost/printers/")))
	req.Operation.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger, goipp.Integer(subID)))

	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if statusOf(resp) == goipp.StatusErrorNotFound {
		return nil
	}
	if !successful(statusOf(resp)) {
		return fmt.Errorf("Cancel-Subscription: %s", statusOf(resp))
	}
	return nil
}

// JobCount reports whether any not-completed job is queued on the named
// printer: the request asks for at most one job, so the result is 0 or
// 1. It is used to decide whether an idle remote queue can be torn down
// (spec.md §4.8 disappearance protocol).
func (c *Client) JobCount(ctx context.Context, name string) (int, error) {
	req := goipp.NewRequest(goipp.DefaultVersion, goipp.OpGetJobs, newRequestID())
	baseOperationAttrs(req)
	req.Operation.Add(goipp.MakeAttribute("printer-uri", goipp.TagURI, goipp.String(c.PrinterURI(name))))
	req.Operation.Add(goipp.MakeAttribute("which-jobs", goipp.TagKeyword, goipp.String("not-completed")))
	req.Operation.Add(goipp.MakeAttribute("limit", goipp.TagInteger, goipp.Integer(1)))
	req.Operation.Add(goipp.MakeAttr("requested-attributes", goipp.TagKeyword, goipp.String("job-id")))

	resp, err := c.Send(ctx, req)
	if err != nil {
		return 0, err
	}
	if statusOf(resp) == goipp.StatusErrorNotFound {
		return 0, nil
	}
	if !successful(statusOf(resp)) {
		return 0, fmt.Errorf("Get-Jobs %s: %s", name, statusOf(resp))
	}
	return len(groupsWithTag(resp, goipp.TagJobGroup)), nil
}

func stringValues(ss []string) []goipp.Value {
	out := make([]goipp.Value, len(ss))
	for i, s := range ss {
		out[i] = goipp.String(s)
	}
	return out
}
