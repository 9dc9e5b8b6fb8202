/************************************************************************************
 *
 * dgcore, connectivity core for a chat-platform client (gateway + REST)
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package dgcore

import (
	"regexp"
	"strings"
)

// majorParams are the path segments after which a following numeric id is
// preserved verbatim in the route key instead of being folded to a
// placeholder; they identify the resource the rate-limit bucket scopes to.
var majorParams = map[string]struct{}{
	"channels": {},
	"guilds":   {},
	"webhooks": {},
}

var reNumericSegment = regexp.MustCompile(`^\d+$`)

// RouteKey classifies an HTTP method and path into the string that groups
// requests sharing the same rate-limit bucket. Segments following a major
// parameter name (channels/guilds/webhooks) keep their numeric id verbatim;
// every other all-digit segment is folded to a placeholder so that, e.g.,
// two different message ids under the same channel land in the same
// bucket while two different channels do not.
//
// RouteKey is a pure function: it has no side effects and returns the same
// key for the same (method, path) every time.
func RouteKey(method, path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")

	out := make([]string, 0, len(segments))
	nextIsMajorID := false
	for _, seg := range segments {
		if seg == "" {
			continue
		}

		if nextIsMajorID {
			out = append(out, seg)
			nextIsMajorID = false
			continue
		}

		if _, isMajor := majorParams[seg]; isMajor {
			out = append(out, seg)
			nextIsMajorID = true
			continue
		}

		if reNumericSegment.MatchString(seg) {
			out = append(out, ":id")
			continue
		}

		out = append(out, seg)
	}

	return method + ":/" + strings.Join(out, "/")
}
