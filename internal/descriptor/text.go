/*
Copyright © 2025 Denis Khalturin
All rights reserved.

Redistribution and use in source and binary forms, with or without
modification, are permitted provided that the following conditions are met:

1. Redistributions of source code must retain the above copyright notice,
   this list of conditions and the following disclaimer.

2. Redistributions in binary form must reproduce the above copyright notice,
   this list of conditions and the following disclaimer in the documentation
   and/or other materials provided with the distribution.

3. Neither the name of the copyright holder nor the names of its contributors
   may be used to endorse or promote products derived from this software
   without specific prior written permission.

THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE
ARE DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE
LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR
CONSEQUENTIAL DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF
SUBSTITUTE GOODS OR SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN
CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE)
ARISING IN ANY WAY OUT OF THE USE OF THIS SOFTWARE, EVEN IF ADVISED OF THE
POSSIBILITY OF SUCH DAMAGE.
*/
// prettier-ignore-end

package descriptor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mixminion/mixkeyd/internal/mixerrors"
)

// marshalBody renders every field but Digest/Signature, which Build
// appends once the digest is known. Lines are stripped, empty lines
// dropped, and the text terminates with a single trailing newline.
func marshalBody(d *Descriptor) string {
	var b strings.Builder

	line := func(k, v string) {
		if v == "" {
			return
		}
		fmt.Fprintf(&b, "%s: %s\n", k, strings.TrimSpace(v))
	}

	b.WriteString("[Server]\n")
	line("Descriptor-Version", d.DescriptorVersion)
	line("Nickname", d.Nickname)
	line("Identity", d.Identity)
	line("Published", d.BuildTime.Format(dateLayout))
	line("Valid-After", d.ValidAfter.Format(dateLayout))
	line("Valid-Until", d.ValidUntil.Format(dateLayout))
	line("Packet-Key", d.PacketKey)
	line("Packet-Versions", d.PacketVersions)
	line("Software", d.Software)
	if d.SecureConfiguration {
		line("Secure-Configuration", "yes")
	} else {
		line("Secure-Configuration", "no")
		line("Why-Insecure", strings.Join(d.WhyInsecure, ", "))
	}
	line("Contact", d.Contact)
	line("Contact-Fingerprint", d.ContactFingerprint)
	line("Comments", d.Comments)

	if d.IncomingMMTP != nil {
		b.WriteString("[Incoming/MMTP]\n")
		line("Version", d.IncomingMMTP.Version)
		line("IP", d.IncomingMMTP.IP)
		line("Hostname", d.IncomingMMTP.Hostname)
		if d.IncomingMMTP.Port != 0 {
			line("Port", strconv.Itoa(d.IncomingMMTP.Port))
		}
		line("Key-Digest", d.IncomingMMTP.KeyDigest)
		line("Protocols", d.IncomingMMTP.Protocols)
	}

	if d.OutgoingMMTP != nil {
		b.WriteString("[Outgoing/MMTP]\n")
		line("Version", d.OutgoingMMTP.Version)
		line("Protocols", d.OutgoingMMTP.Protocols)
	}

	b.WriteString("[Testing]\n")
	line("Platform", d.Platform)
	line("Configuration", d.Configuration)

	return b.String()
}

// Parse reads a signed text descriptor back into a Descriptor. It does not
// verify the signature; callers that need verification use Verify.
func Parse(text string) (*Descriptor, error) {
	d := &Descriptor{}

	section := ""
	for _, raw := range strings.Split(text, "\n") {
		l := strings.TrimSpace(raw)
		if l == "" {
			continue
		}

		if strings.HasPrefix(l, "[") && strings.HasSuffix(l, "]") {
			section = l
			continue
		}

		idx := strings.Index(l, ":")
		if idx < 0 {
			return nil, mixerrors.DescriptorErr("descriptor.Parse", fmt.Errorf("malformed line %q", l))
		}
		key := strings.TrimSpace(l[:idx])
		val := strings.TrimSpace(l[idx+1:])

		// Build appends Digest and Signature after the last section, so
		// they are read wherever they appear.
		switch key {
		case "Digest":
			d.Digest = val
			continue
		case "Signature":
			d.Signature = val
			continue
		}

		switch section {
		case "[Server]":
			assignServerField(d, key, val)
		case "[Incoming/MMTP]":
			if d.IncomingMMTP == nil {
				d.IncomingMMTP = &MMTPFields{}
			}
			assignMMTPField(d.IncomingMMTP, key, val)
		case "[Outgoing/MMTP]":
			if d.OutgoingMMTP == nil {
				d.OutgoingMMTP = &MMTPFields{}
			}
			assignMMTPField(d.OutgoingMMTP, key, val)
		case "[Testing]":
			switch key {
			case "Platform":
				d.Platform = val
			case "Configuration":
				d.Configuration = val
			}
		}
	}

	if d.Nickname == "" || d.Digest == "" || d.Signature == "" {
		return nil, mixerrors.DescriptorErr("descriptor.Parse", fmt.Errorf("incomplete descriptor"))
	}

	return d, nil
}

func assignServerField(d *Descriptor, key, val string) {
	switch key {
	case "Descriptor-Version":
		d.DescriptorVersion = val
	case "Nickname":
		d.Nickname = val
	case "Identity":
		d.Identity = val
	case "Digest":
		d.Digest = val
	case "Signature":
		d.Signature = val
	case "Published":
		if t, err := time.Parse(dateLayout, val); err == nil {
			d.BuildTime = t
		}
	case "Valid-After":
		if t, err := time.Parse(dateLayout, val); err == nil {
			d.ValidAfter = t
		}
	case "Valid-Until":
		if t, err := time.Parse(dateLayout, val); err == nil {
			d.ValidUntil = t
		}
	case "Packet-Key":
		d.PacketKey = val
	case "Packet-Versions":
		d.PacketVersions = val
	case "Software":
		d.Software = val
	case "Secure-Configuration":
		d.SecureConfiguration = val == "yes"
	case "Why-Insecure":
		if val != "" {
			parts := strings.Split(val, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			d.WhyInsecure = parts
		}
	case "Contact":
		d.Contact = val
	case "Contact-Fingerprint":
		d.ContactFingerprint = val
	case "Comments":
		d.Comments = val
	}
}

func assignMMTPField(m *MMTPFields, key, val string) {
	switch key {
	case "Version":
		m.Version = val
	case "IP":
		m.IP = val
	case "Hostname":
		m.Hostname = val
	case "Port":
		if n, err := strconv.Atoi(val); err == nil {
			m.Port = n
		}
	case "Key-Digest":
		m.KeyDigest = val
	case "Protocols":
		m.Protocols = val
	}
}

// Reserialize re-renders the body without Digest/Signature so callers
// can diff structurally instead of byte-for-byte against the signed text.
func Reserialize(d *Descriptor) string { return marshalBody(d) }
